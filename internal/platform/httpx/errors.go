package httpx

import (
	"errors"
	"fmt"
	"net/http"
)

// Kinds of failure a handler reports. RespondError picks the status from the
// kind found in the error chain.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("dependency unavailable")
)

// Error is a failure whose Detail is safe to show the client. Cause stays in
// logs only.
type Error struct {
	Kind   error
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Invalid reports a request the client must correct.
func Invalid(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Detail: fmt.Sprintf(format, args...)}
}

// NotFound reports a resource the request named but the portal does not know.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Unavailable reports that dependency could not serve the request.
func Unavailable(dependency string, cause error) error {
	return &Error{Kind: ErrUnavailable, Detail: dependency + " is unavailable", Cause: cause}
}

// RespondError maps err to an RFC7807 response. Errors without a known kind
// become a 500 with no detail.
func RespondError(w http.ResponseWriter, err error) {
	var detail string
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	switch {
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", detail)
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", detail)
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", detail)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
