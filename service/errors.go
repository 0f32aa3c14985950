package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"levman/leverage"
	"levman/permit"
	"levman/pool"
	"levman/token"
)

type errorResponse struct {
	Error string `json:"error"`
}

// httpStatus maps domain errors onto HTTP status codes. Validation failures
// are 400, authorization failures 403, unknown records 404, and state
// conflicts 409. Unclassified failures, including pool transport errors,
// surface as 502 so clients can distinguish them from local faults.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, leverage.ErrInvalidAmount),
		errors.Is(err, leverage.ErrInvalidRateMode),
		errors.Is(err, leverage.ErrWithdrawExceedsTracked):
		return http.StatusBadRequest
	case errors.Is(err, leverage.ErrNotOwner),
		errors.Is(err, leverage.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, leverage.ErrUnknownPosition):
		return http.StatusNotFound
	case errors.Is(err, leverage.ErrNotActive),
		errors.Is(err, leverage.ErrSelfLiquidation),
		errors.Is(err, leverage.ErrPositionHealthy),
		errors.Is(err, leverage.ErrUnhealthy),
		errors.Is(err, leverage.ErrUnhealthyAfter),
		errors.Is(err, leverage.ErrNoBorrowCapacity),
		errors.Is(err, leverage.ErrInsufficientBalance),
		errors.Is(err, leverage.ErrBorrowFailed),
		errors.Is(err, leverage.ErrPaused):
		return http.StatusConflict
	case errors.Is(err, permit.ErrExpired),
		errors.Is(err, permit.ErrInvalidSignature),
		errors.Is(err, permit.ErrNonceConsumed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrUnknownAsset),
		errors.Is(err, pool.ErrPermitUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrAllowanceExceeded):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message})
}
