package core

import "errors"

// Kind classifies a Failure.
type Kind int

const (
	// KindGeneration: the task could not be turned into loadable code, or
	// its arguments could not be encoded. Raised before any unit exists.
	KindGeneration Kind = iota + 1
	// KindAlreadyRunning: a call was attempted while another was in flight.
	KindAlreadyRunning
	// KindRuntime: the offloaded function threw or its promise rejected.
	KindRuntime
	// KindUnitFault: the unit failed outside the envelope protocol.
	KindUnitFault
	// KindTimeout: the configured deadline elapsed first.
	KindTimeout
	// KindCancelled: the call was terminated explicitly.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindGeneration:     "generation failure",
	KindAlreadyRunning: "already running",
	KindRuntime:        "runtime failure",
	KindUnitFault:      "unit fault",
	KindTimeout:        "timeout",
	KindCancelled:      "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown failure"
}

// Sentinels for errors.Is. A *Failure matches the sentinel of its kind.
var (
	ErrGeneration     = &Failure{Kind: KindGeneration, Message: "generation failure"}
	ErrAlreadyRunning = &Failure{Kind: KindAlreadyRunning, Message: "worker is already running"}
	ErrRuntime        = &Failure{Kind: KindRuntime, Message: "runtime failure"}
	ErrUnitFault      = &Failure{Kind: KindUnitFault, Message: "unit fault"}
	ErrTimeout        = &Failure{Kind: KindTimeout, Message: "timeout expired"}
	ErrCancelled      = &Failure{Kind: KindCancelled, Message: "call cancelled"}
)

// ErrClosed is returned by calls made on a torn-down controller.
var ErrClosed = errors.New("controller is closed")

// Failure is the error type surfaced by the offload engine.
// Error returns Message unchanged so that a function throwing "boom"
// yields an error whose text is exactly "boom".
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

// NewFailure builds a Failure of the given kind.
func NewFailure(kind Kind, msg string, err error) *Failure {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Failure{Kind: kind, Message: msg, Err: err}
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return f.Message
	}
	if f.Err != nil {
		return f.Err.Error()
	}
	return f.Kind.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches any *Failure with the same Kind.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}

// KindOf returns the Kind of err, or 0 if err is not a *Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
