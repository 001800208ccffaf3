// Package apperr описывает типизированные ошибки движков чата.
// Транспорт (HTTP, WebSocket) отдаёт клиенту только Kind и публичное сообщение,
// внутренние ошибки хранилища наружу не попадают.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindAuth             Kind = "auth_error"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInvalidOperation Kind = "invalid_operation"
	KindInternal         Kind = "internal"
)

// Error — ошибка с видом, публичным сообщением и (опционально) причиной.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по Kind: errors.Is(err, apperr.ErrNotFound) истинно для любого NotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Сентинелы для errors.Is.
var (
	ErrAuth             = &Error{Kind: KindAuth}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrInvalidOperation = &Error{Kind: KindInvalidOperation}
	ErrInternal         = &Error{Kind: KindInternal}
)

func Auth(msg string) *Error      { return &Error{Kind: KindAuth, Message: msg} }
func NotFound(msg string) *Error  { return &Error{Kind: KindNotFound, Message: msg} }
func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Message: msg} }
func Invalid(msg string) *Error   { return &Error{Kind: KindInvalidOperation, Message: msg} }

// Internal оборачивает ошибку инфраструктуры; клиенту уходит только "internal error".
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf возвращает вид ошибки; всё, что не *Error, считается внутренним.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Public возвращает сообщение, безопасное для отдачи клиенту.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}

// HTTPStatus сопоставляет вид ошибки с HTTP-статусом.
func HTTPStatus(k Kind) int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidOperation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
