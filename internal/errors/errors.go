package errors

import (
	stderrors "errors"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeValidation     ErrorType = "VALIDATION"
	ErrorTypeInternal       ErrorType = "INTERNAL"
	ErrorTypeContention     ErrorType = "CONTENTION"
	ErrorTypeUntracked      ErrorType = "UNTRACKED"
	ErrorTypePersistence    ErrorType = "PERSISTENCE"
	ErrorTypeProtected      ErrorType = "PROTECTED"
	ErrorTypeUnsafeGeometry ErrorType = "UNSAFE_GEOMETRY"
	ErrorTypeReconcile      ErrorType = "RECONCILE"
)

// Sentinels for errors.Is; matching compares Type only.
var (
	ErrContention     = &Error{Type: ErrorTypeContention}
	ErrUntracked      = &Error{Type: ErrorTypeUntracked}
	ErrPersistence    = &Error{Type: ErrorTypePersistence}
	ErrProtected      = &Error{Type: ErrorTypeProtected}
	ErrUnsafeGeometry = &Error{Type: ErrorTypeUnsafeGeometry}
	ErrReconcile      = &Error{Type: ErrorTypeReconcile}
	ErrNotFound       = &Error{Type: ErrorTypeNotFound}
	ErrInternal       = &Error{Type: ErrorTypeInternal}
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

// Contention reports an index lock already held by another writer.
func Contention(message string) *Error {
	return &Error{
		Type:    ErrorTypeContention,
		Message: message,
		Code:    http.StatusConflict,
	}
}

// Untracked reports a path with no index entries.
func Untracked(message string) *Error {
	return &Error{
		Type:    ErrorTypeUntracked,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

// Persistence reports an index commit that could not be durably applied.
func Persistence(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypePersistence,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

func Protected(message string) *Error {
	return &Error{
		Type:    ErrorTypeProtected,
		Message: message,
		Code:    http.StatusForbidden,
	}
}

func UnsafeGeometry(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeUnsafeGeometry,
		Message: message,
		Code:    http.StatusUnprocessableEntity,
		Details: details,
	}
}

// Reconcile reports a structural change that partially happened on disk
// and now needs manual reconciliation of the index or the mappings.
func Reconcile(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeReconcile,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// CodeOf returns the HTTP status for err, defaulting to 500.
func CodeOf(err error) int {
	var e *Error
	if As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}
