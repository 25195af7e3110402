// README: Rejection reasons returned by the lifecycle policy.
package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrWrongState       = errors.New("wrong-state")
	ErrForbidden        = errors.New("forbidden")
	ErrAuthCodeMismatch = errors.New("auth-code-mismatch")
	ErrAlreadyClaimed   = errors.New("already-claimed")
	ErrQuoteLimit       = errors.New("quote-limit")
	ErrBadRequest       = errors.New("bad-request")
)

var reasons = []error{
	ErrWrongState,
	ErrForbidden,
	ErrAuthCodeMismatch,
	ErrAlreadyClaimed,
	ErrQuoteLimit,
	ErrBadRequest,
}

// Rejection is the error form of an illegal transition attempt.
type Rejection struct {
	Reason error
	Kind   Kind
	Action Action
	Status Status
	Detail string
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("%s %s from %s: %v", r.Kind, r.Action, r.Status, r.Reason)
	if r.Detail != "" {
		msg += " (" + r.Detail + ")"
	}
	return msg
}

func (r *Rejection) Unwrap() error {
	return r.Reason
}

func reject(reason error, req *Request, action Action, detail string) error {
	return &Rejection{Reason: reason, Kind: req.Kind, Action: action, Status: req.Status, Detail: detail}
}

// ReasonOf returns the stable reason string for a policy rejection, or "" if
// err is not one.
func ReasonOf(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r) {
			return r.Error()
		}
	}
	return ""
}

// IsRejection reports whether err is a business rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return ReasonOf(err) != ""
}
