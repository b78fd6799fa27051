package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go/v3"
)

// Error codes reported to callers. The upstream-specific HTTP codes keep the
// names earlier clients already match on.
const (
	CodeLiteLLMError    = "litellm_error"
	CodeOpenAIError     = "openai_error"
	CodeTimeout         = "timeout"
	CodeConnectionError = "connection_error"
	CodeUnexpected      = "unexpected_error"
	CodeNoAPIKey        = "no_api_key"
	CodeCancelled       = "request_cancelled"
)

// ErrNoAPIKey is wrapped by the error returned when the fallback has no
// credentials configured.
var ErrNoAPIKey = errors.New("fallback api key not configured")

// Kind groups error codes into the caller-visible failure classes.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindHTTP       Kind = "http"
	KindConfig     Kind = "config"
	KindCancelled  Kind = "cancelled"
	KindUnexpected Kind = "unexpected"
)

// Error describes a failed upstream attempt.
type Error struct {
	Code       string
	Kind       Kind
	Backend    string
	StatusCode int
	Message    string
	Err        error
	// Primary is set on the final error when the primary attempt also failed.
	Primary *Error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Backend, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a transport or SDK error to an *Error for backend.
func classify(ctx context.Context, backend, httpCode string, err error) *Error {
	perr := &Error{Backend: backend, Err: err}

	var apiErr *openai.Error
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		perr.Code, perr.Kind, perr.Message = CodeCancelled, KindCancelled, "request cancelled"
	case errors.As(err, &apiErr):
		perr.Code, perr.Kind, perr.StatusCode = httpCode, KindHTTP, apiErr.StatusCode
		perr.Message = errorBody(apiErr)
		if perr.Message == "" {
			perr.Message = apiErr.RawJSON()
		}
		if perr.Message == "" {
			perr.Message = http.StatusText(apiErr.StatusCode)
		}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		perr.Code, perr.Kind, perr.Message = CodeTimeout, KindTimeout, "upstream request timed out"
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		perr.Code, perr.Kind, perr.Message = CodeConnectionError, KindConnection, fmt.Sprintf("could not connect to %s", backend)
	default:
		perr.Code, perr.Kind, perr.Message = CodeUnexpected, KindUnexpected, err.Error()
	}
	return perr
}

// errorBody returns the upstream response text as sent. The SDK only decodes
// the JSON "error" member and refills the body for later reads.
func errorBody(apiErr *openai.Error) string {
	if apiErr.Response == nil || apiErr.Response.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(apiErr.Response.Body)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
