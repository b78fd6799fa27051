package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/providers"
)

// ErrorKind is the caller-visible failure class.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation_error"
	KindInsufficient ErrorKind = "insufficient_tokens"
	KindRateLimited  ErrorKind = "rate_limited"
	KindProvider     ErrorKind = "provider_error"
	KindInternal     ErrorKind = "internal_error"
)

// StatusClientClosedRequest is reported when the caller went away and
// settle-on-cancel is disabled.
const StatusClientClosedRequest = 499

// Error carries everything the HTTP layer needs to render a failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	// Reason is set for KindInsufficient.
	Reason ledger.Reason
	// Account is the balance context for KindInsufficient.
	Account *ledger.Account
	// Estimate is the token estimate the request was judged against.
	Estimate int64
	// Provider is set for KindProvider.
	Provider *providers.Error
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Code: string(KindValidation), Message: msg}
}

func internalError(err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Code: string(KindInternal), Message: "internal server error", Err: err}
}

func insufficientError(decision ledger.Decision, estimate int64) *Error {
	acct := decision.Account
	msg := "insufficient tokens"
	switch decision.Reason {
	case ledger.ReasonInactive:
		msg = "account is inactive"
	case ledger.ReasonBlocked:
		msg = "account is blocked due to token exhaustion"
	}
	return &Error{
		Kind:     KindInsufficient,
		Status:   http.StatusPaymentRequired,
		Code:     string(KindInsufficient),
		Message:  msg,
		Reason:   decision.Reason,
		Account:  &acct,
		Estimate: estimate,
	}
}

func providerError(perr *providers.Error) *Error {
	status := http.StatusBadGateway
	switch perr.Kind {
	case providers.KindTimeout:
		status = http.StatusGatewayTimeout
	case providers.KindCancelled:
		status = StatusClientClosedRequest
	}
	msg := perr.Message
	if msg == "" {
		msg = "request to the AI provider failed"
	}
	return &Error{
		Kind:     KindProvider,
		Status:   status,
		Code:     perr.Code,
		Message:  msg,
		Provider: perr,
		Err:      perr,
	}
}
