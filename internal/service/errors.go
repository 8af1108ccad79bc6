package service

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/spec-kit/tutoring-service/pkg/util"
)

// Authentication failure kinds. They are kept intact for logs and metrics;
// callers only ever see the rendered DomainError.
var (
	ErrNotFound           = errors.New("identity not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotActive   = errors.New("account not active")
)

// User-facing messages for authentication failures. NotFound and
// InvalidCredentials share one message.
const (
	MsgInvalidCredentials = "invalid credentials"
	MsgAccountNotActive   = "account is not active"

	MsgCurrentPasswordIncorrect = "current password is incorrect"
)

// AuthError is a login failure. errors.Is matches both Kind and Err.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// present wraps an AuthError in the DomainError rendered to clients.
func present(authErr *AuthError) error {
	if errors.Is(authErr, ErrAccountNotActive) {
		de := apperrors.NewDomainError(apperrors.CodeForbidden, MsgAccountNotActive, http.StatusForbidden, nil)
		de.Err = authErr
		return de
	}
	return apperrors.NewUnauthorizedCause(MsgInvalidCredentials, authErr)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountNotActive):
		return "account_not_active"
	default:
		return "error"
	}
}
