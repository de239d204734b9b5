package pipedrive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Error types carried in ClientError.Type.
const (
	ErrorTypeNetwork       = "NetworkError"
	ErrorTypeTimeout       = "TimeoutError"
	ErrorTypeServer        = "ServerError"
	ErrorTypeClient        = "ClientError"
	ErrorTypeRateLimit     = "RateLimitError"
	ErrorTypeCircuitOpen   = "CircuitOpenError"
	ErrorTypeValidation    = "ValidationError"
	ErrorTypeDecode        = "DecodeError"
	ErrorTypeCache         = "CacheError"
	ErrorTypeLimiterClosed = "LimiterClosedError"
)

// ErrorKind separates failures worth re-attempting from terminal ones.
type ErrorKind int

const (
	KindTerminal ErrorKind = iota
	KindTransient
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "terminal"
}

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = &ClientError{Type: ErrorTypeCircuitOpen, Kind: KindTransient, Message: "circuit breaker is open"}

	// ErrLimiterClosed is returned for tasks scheduled on, or queued in, a closed limiter.
	ErrLimiterClosed = &ClientError{Type: ErrorTypeLimiterClosed, Message: "rate limiter closed"}

	// ErrPaginationStalled is returned when the API reports more items but sends an empty page.
	ErrPaginationStalled = errors.New("pipedrive: pagination stalled: empty page with more_items_in_collection=true")
)

// ClientError is the typed failure returned by every Client operation. It
// keeps enough structure (status, endpoint, raw body) for the tool layer to
// turn it into guidance.
type ClientError struct {
	Type       string
	Kind       ErrorKind
	Message    string
	Cause      error
	StatusCode int
	Method     string
	Endpoint   string
	URL        string
	Body       string
	RequestID  string
	Attempt    int
	MaxRetries int
	RetryAfter time.Duration
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: %d %s", e.Type, e.StatusCode, e.Message)
	}
	if e.Method != "" || e.Endpoint != "" {
		msg = fmt.Sprintf("%s (%s %s)", msg, e.Method, e.Endpoint)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries+1)
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

// Hint returns operator guidance keyed off the status code.
func (e *ClientError) Hint() string {
	if e == nil {
		return ""
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return "check the API token"
	case e.StatusCode == http.StatusForbidden:
		return "the token lacks permission for this resource"
	case e.StatusCode == http.StatusNotFound:
		return "the requested resource does not exist"
	case e.StatusCode == http.StatusTooManyRequests:
		return "rate limited by the provider, slow down and retry later"
	case e.StatusCode >= 500:
		return "transient provider failure, retry later"
	case e.Type == ErrorTypeTimeout || e.Type == ErrorTypeNetwork:
		return "network problem reaching the provider, retry later"
	case e.Type == ErrorTypeCircuitOpen:
		return "provider marked unhealthy, wait for recovery"
	case e.StatusCode >= 400:
		return "the request was rejected, check the parameters"
	}
	return ""
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Body != "" {
		info += fmt.Sprintf("Body: %s\n", e.Body)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries+1)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, and rate limiting (429).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Kind == KindTransient
	}
	return false
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}

// statusErrorType maps a non-2xx status onto an error type and kind.
func statusErrorType(status int) (string, ErrorKind) {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit, KindTransient
	case status == http.StatusRequestTimeout:
		return ErrorTypeTimeout, KindTransient
	case status >= 500:
		return ErrorTypeServer, KindTransient
	default:
		return ErrorTypeClient, KindTerminal
	}
}

// transportError classifies a failure from http.Client.Do. Timeouts carry
// 408 so the retryable status set gates them like any provider timeout.
func transportError(err error) *ClientError {
	if errors.Is(err, context.Canceled) {
		return &ClientError{Type: ErrorTypeNetwork, Kind: KindTerminal, Message: "request canceled", Cause: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ClientError{
			Type:       ErrorTypeTimeout,
			Kind:       KindTransient,
			Message:    "request timed out",
			Cause:      err,
			StatusCode: http.StatusRequestTimeout,
		}
	}
	return &ClientError{Type: ErrorTypeNetwork, Kind: KindTransient, Message: "network request failed", Cause: err}
}
