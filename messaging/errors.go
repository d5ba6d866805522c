package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotStarted is returned when publishing on a stopped transport
	ErrNotStarted = errors.New("messaging: transport not started")
	// ErrInvalidPattern is returned for binding patterns the matcher does not support
	ErrInvalidPattern = errors.New("messaging: invalid binding pattern")
	// ErrNilHandler is returned when subscribing a nil handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")
	// ErrNilMessage is returned when publishing a nil message
	ErrNilMessage = errors.New("messaging: message cannot be nil")
)

// IsNotStarted reports whether err is caused by a stopped transport
func IsNotStarted(err error) bool {
	return errors.Is(err, ErrNotStarted)
}

// HandlerError records the failure of a single handler
type HandlerError struct {
	Pattern    string // Binding pattern the handler was registered with
	RoutingKey string // Routing key of the delivered message
	MessageID  string // ID of the delivered message
	Err        error  // Error returned by the handler, or the recovered panic
	Panicked   bool   // Whether the handler panicked
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("messaging: handler for %q panicked on %s (%s): %v", e.Pattern, e.RoutingKey, e.MessageID, e.Err)
	}
	return fmt.Sprintf("messaging: handler for %q failed on %s (%s): %v", e.Pattern, e.RoutingKey, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DeliveryError aggregates the handler failures of one publish.
// Handlers that succeeded are not listed.
type DeliveryError struct {
	RoutingKey string
	MessageID  string
	Delivered  int // Number of handlers invoked
	Failures   []*HandlerError
}

func (e *DeliveryError) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "messaging: %d of %d handlers failed on %s (%s)", len(e.Failures), e.Delivered, e.RoutingKey, e.MessageID)
	for _, f := range e.Failures {
		sb.WriteString("; ")
		fmt.Fprintf(&sb, "%q: %v", f.Pattern, f.Err)
	}
	return sb.String()
}

// Unwrap exposes every handler failure to errors.Is and errors.As
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// HandlerFailures extracts the individual handler failures from err
func HandlerFailures(err error) []*HandlerError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Failures
	}
	var he *HandlerError
	if errors.As(err, &he) {
		return []*HandlerError{he}
	}
	return nil
}
