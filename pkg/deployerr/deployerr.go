// Package deployerr classifies failures of a deploy run so callers can
// tell an unreadable file from a flaky network, a server-side build
// failure, or a run that simply ran out of time.
package deployerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	// KindInput covers illegal filenames and unreadable files.
	KindInput
	// KindTransport is a retryable network or HTTP failure.
	KindTransport
	// KindUpload is a transport failure that exhausted its retries.
	KindUpload
	// KindRemote is an ERROR state reported by the hosting service.
	KindRemote
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindTransport:
		return "transport"
	case KindUpload:
		return "upload"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Error carries enough context to act on a failure without re-running
// in debug mode. Zero-valued fields are omitted from the message.
type Error struct {
	Kind     Kind
	Op       string
	Path     string
	Digest   string
	DeployID string
	Status   int
	Attempts int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" error during ")
		b.WriteString(e.Op)
	} else {
		b.WriteString(" error")
	}
	if e.Path != "" {
		fmt.Fprintf(&b, ": path %s", e.Path)
	}
	if e.Digest != "" {
		fmt.Fprintf(&b, ": digest %s", e.Digest)
	}
	if e.DeployID != "" {
		fmt.Fprintf(&b, ": deploy %s", e.DeployID)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, ": after %d attempts", e.Attempts)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCoder is implemented by transport errors that carry an HTTP
// status code.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf returns the HTTP status carried anywhere in err's chain, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Input(op, path string, err error) *Error {
	return &Error{Kind: KindInput, Op: op, Path: path, Err: err}
}

// Transport wraps a failed API call outside the upload path.
func Transport(op, deployID string, err error) *Error {
	return &Error{
		Kind:     KindTransport,
		Op:       op,
		DeployID: deployID,
		Status:   StatusOf(err),
		Err:      err,
	}
}

// Upload records a terminal upload failure, keeping the status of the
// last observed attempt.
func Upload(digest, path string, attempts int, err error) *Error {
	return &Error{
		Kind:     KindUpload,
		Op:       "upload",
		Path:     path,
		Digest:   digest,
		Status:   StatusOf(err),
		Attempts: attempts,
		Err:      err,
	}
}

// Remote carries the server's error message verbatim.
func Remote(op, deployID, message string) *Error {
	return &Error{
		Kind:     KindRemote,
		Op:       op,
		DeployID: deployID,
		Message:  message,
	}
}

func Timeout(op, deployID string, elapsed time.Duration) *Error {
	return &Error{
		Kind:     KindTimeout,
		Op:       op,
		DeployID: deployID,
		Message: fmt.Sprintf(
			"deadline elapsed after %s",
			elapsed.Round(time.Millisecond),
		),
	}
}

// FromContext converts a context failure into a Timeout or Canceled
// error. Other errors are returned unchanged.
func FromContext(op string, err error) error {
	var classified *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &classified):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	}
	return err
}
