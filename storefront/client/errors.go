package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the fixed category of a failed REST call.
type Kind string

const (
	// KindNetwork means no response was received (DNS, refused connection, timeout).
	KindNetwork Kind = "Network"
	// KindUnauthorized means the server answered 401.
	KindUnauthorized Kind = "Unauthorized"
	// KindClientError means the server answered with a 4xx other than 401.
	KindClientError Kind = "ClientError"
	// KindServerError means the server answered with a 5xx.
	KindServerError Kind = "ServerError"
	// KindInternal covers everything else, e.g. a malformed response body.
	KindInternal Kind = "Internal"
)

// Retryable reports whether the same request may succeed if sent again.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServerError
}

// Sentinels matched by ClassifiedError.Is, so callers can write errors.Is(err, client.ErrUnauthorized).
var (
	ErrNetwork      = errors.New("network error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrClientError  = errors.New("client error")
	ErrServerError  = errors.New("server error")
	ErrInternal     = errors.New("internal error")
)

var kindSentinels = map[Kind]error{
	KindNetwork:      ErrNetwork,
	KindUnauthorized: ErrUnauthorized,
	KindClientError:  ErrClientError,
	KindServerError:  ErrServerError,
	KindInternal:     ErrInternal,
}

// ClassifiedError is the normalized failure returned by Client for a single attempt.
// Message is always populated.
type ClassifiedError struct {
	Kind       Kind
	Message    string
	StatusCode int // 0 when no response was received
	Retryable  bool
	Cause      error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *ClassifiedError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// AsClassified extracts a *ClassifiedError from err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable reports whether err is a classified error marked retryable.
func IsRetryable(err error) bool {
	ce, ok := AsClassified(err)
	return ok && ce.Retryable
}

func newClassified(kind Kind, status int, message string, cause error) *ClassifiedError {
	message = strings.TrimSpace(message)
	if message == "" {
		message = genericMessage(kind, status)
	}
	return &ClassifiedError{
		Kind:       kind,
		Message:    message,
		StatusCode: status,
		Retryable:  kind.Retryable(),
		Cause:      cause,
	}
}

// ClassifyTransportError classifies a failure in which no response was received.
func ClassifyTransportError(err error) *ClassifiedError {
	return newClassified(KindNetwork, 0, "", err)
}

// ClassifyInternal classifies a failure that is neither transport nor HTTP status related.
func ClassifyInternal(message string, err error) *ClassifiedError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return newClassified(KindInternal, 0, message, err)
}

// ClassifyResponse classifies a received response. It returns nil for 2xx statuses.
// Informational and redirect statuses that reach the caller (e.g. 304, or a 3xx the
// HTTP client did not follow) are ClientError.
func ClassifyResponse(status int, body []byte) *ClassifiedError {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}
	cause := &HTTPError{StatusCode: status}
	msg := extractMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		return newClassified(KindUnauthorized, status, msg, cause)
	case status >= http.StatusInternalServerError:
		return newClassified(KindServerError, status, msg, cause)
	default:
		return newClassified(KindClientError, status, msg, cause)
	}
}

// HTTPError is the cause attached to status-derived classified errors.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	if text := http.StatusText(e.StatusCode); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// extractMessage pulls the user-facing text out of a failure body. Both
// {"message": "..."} and {"error": "..."} are accepted, as is {"error": {"message": "..."}}.
func extractMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"message", "error.message", "error", "error_description"} {
		res := gjson.GetBytes(body, path)
		if res.Type == gjson.String {
			if s := strings.TrimSpace(res.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func genericMessage(kind Kind, status int) string {
	switch kind {
	case KindNetwork:
		return "the server could not be reached"
	case KindUnauthorized:
		return "authentication required"
	case KindClientError, KindServerError:
		if text := http.StatusText(status); text != "" {
			return fmt.Sprintf("request failed: %s", strings.ToLower(text))
		}
		return fmt.Sprintf("request failed with status %d", status)
	default:
		return "unexpected error while processing the request"
	}
}
