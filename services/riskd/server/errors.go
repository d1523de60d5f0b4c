package server

import (
	"errors"
	"net/http"

	"dualis/lending"
	"dualis/oracle"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps domain errors onto HTTP statuses. Oracle unavailability is
// a 503: the request was sound, the data was not.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var hfErr *lending.HealthFactorError
	var oracleErr *lending.OracleError
	var staleErr *oracle.StaleError
	var deviationErr *oracle.DeviationError
	var outOfOrder *lending.AccrualOutOfOrderError
	var regression *lending.IndexRegressionError

	switch {
	case errors.Is(err, lending.ErrPoolNotFound),
		errors.Is(err, lending.ErrPositionNotFound),
		errors.Is(err, oracle.ErrUnknownAsset):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidObservation):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, lending.ErrPoolInactive):
		status, code = http.StatusConflict, "pool_inactive"
	case errors.Is(err, lending.ErrPoolFaulted):
		status, code = http.StatusConflict, "pool_faulted"
	case errors.As(err, &hfErr):
		status, code = http.StatusUnprocessableEntity, "health_factor_too_low"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		status, code = http.StatusUnprocessableEntity, "insufficient_collateral"
	case errors.Is(err, lending.ErrInsufficientFunds),
		errors.Is(err, lending.ErrInsufficientCash),
		errors.Is(err, lending.ErrNoDebtToRepay):
		status, code = http.StatusUnprocessableEntity, "unprocessable"
	case errors.As(err, &deviationErr):
		status, code = http.StatusUnprocessableEntity, "price_deviation"
	case errors.As(err, &oracleErr),
		errors.As(err, &staleErr),
		errors.Is(err, oracle.ErrBreakerOpen),
		errors.Is(err, oracle.ErrNoPrice):
		status, code = http.StatusServiceUnavailable, "price_unavailable"
	case errors.As(err, &outOfOrder),
		errors.As(err, &regression):
		status, code = http.StatusInternalServerError, "data_integrity"
	}

	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: "invalid_request"})
}
