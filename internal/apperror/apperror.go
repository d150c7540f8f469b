// Package apperror содержит типизированные ошибки сервиса и их отображение на HTTP-статусы.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("access denied")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUpstream            = errors.New("upstream error")
	ErrStorage             = errors.New("storage error")
	ErrConfiguration       = errors.New("configuration error")
)

// AppError — ошибка уровня приложения. Err содержит один из сентинелов пакета,
// Cause — исходную внутреннюю ошибку, которая логируется, но не отдаётся клиенту.
type AppError struct {
	Err       error
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap позволяет errors.Is находить как сентинел, так и причину.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Validation возвращает ошибку некорректного ввода.
func Validation(format string, args ...any) *AppError {
	return &AppError{Err: ErrValidation, Code: "VALIDATION_ERROR", Message: fmt.Sprintf(format, args...)}
}

// Unauthorized возвращает ошибку отсутствующих или неверных учётных данных.
func Unauthorized(message string) *AppError {
	return &AppError{Err: ErrUnauthorized, Code: "UNAUTHORIZED", Message: message}
}

// Forbidden возвращает ошибку доступа к чужому ресурсу.
func Forbidden(message string) *AppError {
	return &AppError{Err: ErrForbidden, Code: "ACCESS_DENIED", Message: message}
}

// NotFound возвращает ошибку отсутствующего ресурса.
func NotFound(resource, id string) *AppError {
	return &AppError{Err: ErrNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// Conflict возвращает ошибку повторной или конфликтующей операции.
func Conflict(message string) *AppError {
	return &AppError{Err: ErrConflict, Code: "CONFLICT", Message: message}
}

// InvalidState возвращает ошибку операции, недопустимой в текущем состоянии.
func InvalidState(message string) *AppError {
	return &AppError{Err: ErrInvalidState, Code: "INVALID_STATE", Message: message}
}

// InsufficientBalance возвращает ошибку нехватки кредитов.
func InsufficientBalance(required, available int64) *AppError {
	return &AppError{
		Err:     ErrInsufficientBalance,
		Code:    "INSUFFICIENT_BALANCE",
		Message: fmt.Sprintf("insufficient credits: required %d, available %d", required, available),
	}
}

// Upstream оборачивает ошибку внешнего сервиса.
func Upstream(service string, retryable bool, cause error) *AppError {
	return &AppError{
		Err:       ErrUpstream,
		Code:      "UPSTREAM_ERROR",
		Message:   service + " unavailable",
		Retryable: retryable,
		Cause:     cause,
	}
}

// Storage оборачивает ошибку хранилища. Такие ошибки считаются временными.
func Storage(op string, cause error) *AppError {
	return &AppError{Err: ErrStorage, Code: "STORAGE_ERROR", Message: op + " failed", Retryable: true, Cause: cause}
}

// Configuration возвращает ошибку конфигурации, которую нужно исправить оператору.
func Configuration(message string) *AppError {
	return &AppError{Err: ErrConfiguration, Code: "CONFIG_ERROR", Message: message}
}

// IsRetryable сообщает, имеет ли смысл повторить операцию.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// HTTPStatus возвращает HTTP-статус для ошибки. Неизвестные ошибки отображаются в 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrUpstream):
		if IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Public возвращает сообщение и код, которые можно показать клиенту.
func Public(err error) (message, code string) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message, appErr.Code
	}
	return "internal server error", "INTERNAL_ERROR"
}
