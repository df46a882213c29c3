package dto

import (
	"net/http"

	"github.com/metering/backend/internal/domain/shared"
)

// Error codes returned in the error envelope
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeBadRequest            = "BAD_REQUEST"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeMachineFinalState     = "MACHINE_FINAL_STATE"
	ErrCodePaymentProvider       = "PAYMENT_PROVIDER_ERROR"
	ErrCodeFetch                 = "FETCH_ERROR"
	ErrCodeTooManyRequests       = "TOO_MANY_REQUESTS"
	ErrCodeRequestTooLarge       = "REQUEST_TOO_LARGE"
	ErrCodeInternal              = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeMaxConnectionsReached = "MAX_CONNECTIONS_REACHED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnauthorized:          http.StatusUnauthorized,
	ErrCodeForbidden:             http.StatusForbidden,
	ErrCodeNotFound:              http.StatusNotFound,
	ErrCodeConflict:              http.StatusConflict,
	ErrCodeBadRequest:            http.StatusBadRequest,
	ErrCodeValidation:            http.StatusBadRequest,
	ErrCodeInvalidTransition:     http.StatusConflict,
	ErrCodeMachineFinalState:     http.StatusConflict,
	ErrCodePaymentProvider:       http.StatusBadGateway,
	ErrCodeFetch:                 http.StatusServiceUnavailable,
	ErrCodeTooManyRequests:       http.StatusTooManyRequests,
	ErrCodeRequestTooLarge:       http.StatusRequestEntityTooLarge,
	ErrCodeInternal:              http.StatusInternalServerError,
	ErrCodeServiceUnavailable:    http.StatusServiceUnavailable,
	ErrCodeMaxConnectionsReached: http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// domainCodeMapping maps domain error codes onto envelope codes
var domainCodeMapping = map[string]string{
	shared.CodeNotFound:             ErrCodeNotFound,
	shared.CodeAlreadyExists:        ErrCodeConflict,
	shared.CodeInvalidInput:         ErrCodeValidation,
	shared.CodeConflict:             ErrCodeConflict,
	shared.CodeUnauthorized:         ErrCodeUnauthorized,
	shared.CodeForbidden:            ErrCodeForbidden,
	shared.CodeInvalidState:         ErrCodeConflict,
	shared.CodeInvalidTransition:    ErrCodeInvalidTransition,
	shared.CodeMachineFinalState:    ErrCodeMachineFinalState,
	shared.CodePaymentProviderError: ErrCodePaymentProvider,
	shared.CodeFetchError:           ErrCodeFetch,
	shared.CodeInternal:             ErrCodeInternal,
}

// FromDomainCode converts a domain error code to the envelope code.
// Unknown codes become INTERNAL_SERVER_ERROR.
func FromDomainCode(code string) string {
	if c, ok := domainCodeMapping[code]; ok {
		return c
	}
	return ErrCodeInternal
}
