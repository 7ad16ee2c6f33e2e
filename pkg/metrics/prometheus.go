package metrics

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "deploysync"

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	reg            *prom.Registry
	filesHashed    prom.Counter
	bytesHashed    prom.Counter
	phaseDuration  *prom.HistogramVec
	uploadAttempts *prom.CounterVec
	uploadBytes    prom.Counter
	deployOutcome  *prom.CounterVec
}

// NewPrometheusRecorder registers the deploy metrics on reg, or on a
// fresh registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reg: reg,
		filesHashed: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "files_hashed_total",
			Help:      "Files digested while building the manifest",
		}),
		bytesHashed: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "hashed_bytes_total",
			Help:      "Bytes read while building the manifest",
		}),
		phaseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each deploy phase",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"}),
		uploadAttempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Blob upload attempts by result",
		}, []string{"result"}),
		uploadBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of blobs accepted by the hosting service",
		}),
		deployOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_outcomes_total",
			Help:      "Deploy runs by final outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		pr.filesHashed, pr.bytesHashed, pr.phaseDuration,
		pr.uploadAttempts, pr.uploadBytes, pr.deployOutcome,
	)
	return pr
}

func (p *PrometheusRecorder) ObserveFileHashed(bytes int64) {
	p.filesHashed.Inc()
	p.bytesHashed.Add(float64(bytes))
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncUploadAttempt(result string) {
	p.uploadAttempts.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveUploadBytes(bytes int64) {
	p.uploadBytes.Add(float64(bytes))
}

func (p *PrometheusRecorder) IncDeployOutcome(outcome string) {
	p.deployOutcome.WithLabelValues(outcome).Inc()
}

// Push sends the recorder's registry to a Prometheus pushgateway. A
// deploy run is a batch job, so nothing scrapes it directly.
func (p *PrometheusRecorder) Push(
	ctx context.Context,
	gatewayURL, job string,
) error {
	return push.New(gatewayURL, job).
		Gatherer(p.reg).
		PushContext(ctx)
}
