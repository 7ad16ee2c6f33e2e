// Package progress carries status events from the deploy pipeline to
// whatever renders them. Emitting never blocks the pipeline and the
// pipeline never reads anything back.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseError    Phase = "error"
	PhaseStop     Phase = "stop"
)

// Event types emitted by the pipeline stages.
const (
	TypeHashing       = "hashing"
	TypeCreateDeploy  = "create-deploy"
	TypeWaitForDiff   = "wait-for-diff"
	TypeUpload        = "upload"
	TypeWaitForDeploy = "wait-for-deploy"
)

type Event struct {
	Type    string    `json:"type"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Digest  string    `json:"digest,omitempty"`
	Bytes   int64     `json:"bytes,omitempty"`
	Total   int64     `json:"total,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives events. Implementations must return promptly.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

var Nop Sink = nopSink{}

// Emit stamps e and hands it to s; a nil sink discards it.
func Emit(s Sink, typ string, phase Phase, msg string) {
	Send(s, Event{Type: typ, Phase: phase, Message: msg})
}

func Send(s Sink, e Event) {
	if s == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.Emit(e)
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 0 {
		return Nop
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

// LogSink writes events as structured log records. Per-byte progress
// goes to Debug.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Emit(e Event) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"type", e.Type, "phase", string(e.Phase)}
	if e.Path != "" {
		attrs = append(attrs, "path", e.Path)
	}
	if e.Digest != "" {
		attrs = append(attrs, "digest", e.Digest)
	}
	if e.Total > 0 {
		attrs = append(attrs, "bytes", e.Bytes, "total", e.Total)
	}
	switch e.Phase {
	case PhaseError:
		log.Warn(e.Message, attrs...)
	case PhaseProgress:
		log.Debug(e.Message, attrs...)
	default:
		if e.Path != "" {
			log.Debug(e.Message, attrs...)
			return
		}
		log.Info(e.Message, attrs...)
	}
}

// Collector keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Of returns the events of one type, optionally restricted to a phase.
func (c *Collector) Of(typ string, phases ...Phase) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type != typ {
			continue
		}
		if len(phases) == 0 {
			out = append(out, e)
			continue
		}
		for _, p := range phases {
			if e.Phase == p {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
