package server

import (
	"errors"
	"log/slog"
	"net/http"

	"crowdfund/core/money"
	"crowdfund/services/marketplace/ledger"
)

// statusFor maps domain errors onto HTTP status codes and stable messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ledger.ErrExpired):
		return http.StatusGone, "operation expired"
	case errors.Is(err, ledger.ErrAlreadyClosed):
		return http.StatusConflict, "operation closed"
	case errors.Is(err, ledger.ErrDuplicateBid):
		return http.StatusConflict, "bid already placed on this operation"
	case errors.Is(err, ledger.ErrCapacityExceeded):
		return http.StatusConflict, "amount exceeds remaining capacity"
	case errors.Is(err, ledger.ErrOperationHasBids):
		return http.StatusConflict, "operation has bids"
	case errors.Is(err, ledger.ErrUsernameTaken):
		return http.StatusConflict, "username taken"
	case errors.Is(err, ledger.ErrUserInUse):
		return http.StatusConflict, "user has operations or bids"
	case errors.Is(err, ledger.ErrInvalidDelta), errors.Is(err, money.ErrNegativeResult):
		return http.StatusUnprocessableEntity, "amount exceeds collected funds"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, money.ErrPrecision), errors.Is(err, money.ErrOverflow):
		return http.StatusUnprocessableEntity, "invalid amount"
	case errors.Is(err, ledger.ErrInvalidRate):
		return http.StatusUnprocessableEntity, "invalid interest rate"
	case errors.Is(err, ledger.ErrInvalidDeadline):
		return http.StatusUnprocessableEntity, "invalid deadline"
	case errors.Is(err, ledger.ErrInvalidRole):
		return http.StatusUnprocessableEntity, "invalid role"
	case errors.Is(err, ledger.ErrInvalidUsername):
		return http.StatusUnprocessableEntity, "invalid username"
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	http.Error(w, message, status)
}
