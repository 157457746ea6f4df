package ocpi

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP layer
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindAckTimeout
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAckTimeout:
		return "ack_timeout"
	case KindValidation:
		return "validation"
	}
	return "internal"
}

// Error is a classified OCPI error
type Error struct {
	Kind Kind
	Msg  string
	// Status overrides the default OCPI status code for the kind when set
	Status int
}

func (e *Error) Error() string {
	return e.Msg
}

var (
	ErrInvalidToken      = &Error{Kind: KindAuthentication, Msg: "invalid token"}
	ErrTokenRevoked      = &Error{Kind: KindAuthentication, Msg: "token revoked"}
	ErrTokenAlreadyUsed  = &Error{Kind: KindAuthentication, Msg: "token already used"}
	ErrForbidden         = &Error{Kind: KindAuthorization, Msg: "operation not allowed for role"}
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrUnknownLocation   = &Error{Kind: KindNotFound, Msg: "unknown location", Status: StatusUnknownLocation}
	ErrUnknownParty      = &Error{Kind: KindNotFound, Msg: "unknown party"}
	ErrImmutableRecord   = &Error{Kind: KindConflict, Msg: "record already exists and is immutable"}
	ErrRotationConflict  = &Error{Kind: KindConflict, Msg: "credentials rotation already in progress"}
	ErrCommandAckTimeout = &Error{Kind: KindAckTimeout, Msg: "command acknowledgement timed out"}
	ErrValidation        = &Error{Kind: KindValidation, Msg: "invalid request"}
	ErrResultPending     = errors.New("command result pending")
	ErrCommandExpired    = errors.New("command expired without result")
)

// Validationf returns a validation error wrapping ErrValidation
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the HTTP status and OCPI status code of its response
func HTTPStatus(err error) (int, int) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, StatusServerError
	}

	status := StatusClientError
	if e.Status != 0 {
		status = e.Status
	}

	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized, status
	case KindAuthorization:
		return http.StatusForbidden, status
	case KindNotFound:
		return http.StatusNotFound, status
	case KindConflict:
		return http.StatusConflict, status
	case KindAckTimeout:
		return http.StatusOK, StatusUnableToUseClientAPI
	case KindValidation:
		return http.StatusUnprocessableEntity, StatusInvalidParameters
	}
	return http.StatusInternalServerError, StatusServerError
}
