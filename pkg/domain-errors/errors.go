package domainerrors

import "net/http"

// Code classifies a domain error for transport translation.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal_error"
)

// DomainError carries a stable code plus a human-readable message. Handlers
// translate the code to an HTTP status; the message is only exposed for
// client-correctable errors.
type DomainError struct {
	Code    Code
	Message string
	cause   error
}

// New builds a DomainError with the given code and message.
func New(code Code, message string) DomainError {
	return DomainError{Code: code, Message: message}
}

// Wrap builds a DomainError that records an underlying cause for errors.Is/As.
func Wrap(code Code, message string, cause error) DomainError {
	return DomainError{Code: code, Message: message, cause: cause}
}

func (e DomainError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e DomainError) Unwrap() error { return e.cause }

// ToHTTPStatus maps a domain error code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
