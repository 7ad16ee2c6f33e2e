// Package metrics records what a deploy run did: how much it hashed, how
// many upload attempts it needed, how long each phase took.
package metrics

import "time"

// Upload attempt results.
const (
	AttemptSuccess = "success"
	AttemptRetry   = "retry"
	AttemptFailed  = "failed"
)

// Deploy outcomes.
const (
	OutcomeReady    = "ready"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
)

// Recorder is safe for concurrent use. NoopRecorder is the default when
// metrics are not configured.
type Recorder interface {
	ObserveFileHashed(bytes int64)
	ObservePhaseDuration(phase string, d time.Duration)
	IncUploadAttempt(result string)
	ObserveUploadBytes(bytes int64)
	IncDeployOutcome(outcome string)
}

type NoopRecorder struct{}

func (NoopRecorder) ObserveFileHashed(int64)                     {}
func (NoopRecorder) ObservePhaseDuration(string, time.Duration) {}
func (NoopRecorder) IncUploadAttempt(string)                     {}
func (NoopRecorder) ObserveUploadBytes(int64)                    {}
func (NoopRecorder) IncDeployOutcome(string)                     {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
