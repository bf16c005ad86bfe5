package utils

import (
	"crop-ledger/internal/models"
	"errors"
	"net/http"
	"time"
)

type SuccessResponse struct {
	Success bool  `json:"success"`
	Data    any   `json:"data"`
	Meta    *Meta `json:"meta,omitempty"`
}

type ErrorResponse struct {
	Success bool     `json:"success"`
	Error   APIError `json:"error"`
	Meta    *Meta    `json:"meta,omitempty"`
}

// APIError carries a stable ledger error code. Retryable marks failures that
// may succeed later without the caller changing the request.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

func CreateErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Success: false,
		Error:   APIError{Code: code, Message: message},
		Meta:    &Meta{Timestamp: time.Now()},
	}
}

// CreateRetryableResponse is an error the client should retry unchanged,
// such as an unavailable backing store.
func CreateRetryableResponse(code, message string) ErrorResponse {
	resp := CreateErrorResponse(code, message)
	resp.Error.Retryable = true
	return resp
}

func CreateSuccessResponse(data any) SuccessResponse {
	return SuccessResponse{
		Success: true,
		Data:    data,
		Meta:    &Meta{Timestamp: time.Now()},
	}
}

// CreateLedgerErrorResponse maps a rejected ledger call to its HTTP status
// and envelope. Errors outside the ledger's error set are masked as 500.
func CreateLedgerErrorResponse(err error) (int, ErrorResponse) {
	status := LedgerStatus(err)
	if status == http.StatusInternalServerError {
		return status, CreateRetryableResponse(models.ErrorCode(err), "Internal server error")
	}
	resp := CreateErrorResponse(models.ErrorCode(err), err.Error())
	resp.Error.Retryable = retryable(err)
	return status, resp
}

func LedgerStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrContractNotFound), errors.Is(err, models.ErrRoleNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTransferRejected),
		errors.Is(err, models.ErrInsufficientPayment),
		errors.Is(err, models.ErrInsufficientLiquidity),
		errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrDuplicateContract),
		errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrSeasonNotOpen),
		errors.Is(err, models.ErrContractSuspended),
		errors.Is(err, models.ErrRoleExists),
		errors.Is(err, models.ErrAlreadyOpen),
		errors.Is(err, models.ErrAlreadyClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Pool liquidity, season windows and the circuit breaker change under the
// caller, so those rejections can clear on their own.
func retryable(err error) bool {
	return errors.Is(err, models.ErrInsufficientLiquidity) ||
		errors.Is(err, models.ErrSeasonNotOpen) ||
		errors.Is(err, models.ErrContractSuspended)
}
