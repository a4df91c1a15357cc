package reqflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

// Error types. Unauthorized and Configuration never reach callers of Fetch
// or Mutate; the interceptor turns Unauthorized into AuthExpired.
const (
	ErrorTypeAuthExpired   = "AuthExpired"
	ErrorTypeCancelled     = "Cancelled"
	ErrorTypeTimeout       = "Timeout"
	ErrorTypeNetwork       = "NetworkFailure"
	ErrorTypeServer        = "ServerError"
	ErrorTypeValidation    = "ValidationFailure"
	ErrorTypeUnauthorized  = "Unauthorized"
	ErrorTypeConfiguration = "Configuration"
)

// Sentinel errors. They compare by Type, so errors.Is(err, ErrTimeout) holds
// for any *ClientError of type Timeout.
var (
	ErrAuthExpired = &ClientError{Type: ErrorTypeAuthExpired, Message: "authentication expired"}
	ErrCancelled   = &ClientError{Type: ErrorTypeCancelled, Message: "request cancelled"}
	ErrTimeout     = &ClientError{Type: ErrorTypeTimeout, Message: "deadline exceeded"}
	ErrNetwork     = &ClientError{Type: ErrorTypeNetwork, Message: "network failure"}
	ErrServer      = &ClientError{Type: ErrorTypeServer, Message: "server error"}
	ErrValidation  = &ClientError{Type: ErrorTypeValidation, Message: "rejected by server"}

	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("reqflow: circuit open")

	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = errors.New("reqflow: client closed")

	// ErrPending is returned by Handle.Result before the fetch settles.
	ErrPending = errors.New("reqflow: result pending")
)

// ClientError is the typed failure of every orchestrated call.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	Path       string
	Key        RequestKey
	StatusCode int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error Type: %s\n", e.Type)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, "Method: %s\n", e.Method)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "Path: %s\n", e.Path)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, "Key: %s\n", e.Key)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.StatusCode)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

// ErrorType extracts the ClientError type of err, or "" if err is not one.
func ErrorType(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}

// IsAuthExpired reports whether the caller should re-authenticate.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsCancelled reports caller-initiated or superseded outcomes. These are
// not user-facing errors.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsRetryable reports whether a manual retry by the caller may succeed:
// network failures, timeouts and 5xx/429 server errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeServer:
		return ce.StatusCode >= 500 || ce.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// classifyContextError maps a finished context to Timeout or Cancelled.
func classifyContextError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeCancelled
}

// serverMessage pulls a human readable message out of an error body.
func serverMessage(body []byte, fallback string) string {
	for _, path := range [][]string{{"message"}, {"error"}, {"detail"}, {"error", "message"}} {
		if v, err := jsonparser.GetString(body, path...); err == nil && v != "" {
			return v
		}
	}
	return fallback
}
