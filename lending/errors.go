package lending

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolNotFound      = errors.New("lending: pool not found")
	ErrPoolInactive      = errors.New("lending: pool paused by governance")
	ErrPoolFaulted       = errors.New("lending: pool refused pending operator intervention")
	ErrInvalidAmount     = errors.New("lending: amount must be positive")
	ErrInsufficientFunds = errors.New("lending: insufficient position balance")
	ErrInsufficientCash  = errors.New("lending: insufficient pool liquidity")
	ErrNoDebtToRepay     = errors.New("lending: no outstanding debt to repay")
	ErrPositionNotFound  = errors.New("lending: position not found")
	ErrEventsUnavailable = errors.New("lending: event sink does not support listing")
	// ErrInsufficientCollateral rejects originations whose projected debt
	// exceeds the loan-to-value ceiling of the pledged collateral.
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral for requested borrow")
)

// AccrualOutOfOrderError signals a timestamp regression on an accrual call.
// It is fatal to the pool: mutations are refused until an operator clears the
// fault, because upstream clock corruption would otherwise compound.
type AccrualOutOfOrderError struct {
	PoolID      string
	LastAccrual uint64
	Requested   uint64
}

func (e *AccrualOutOfOrderError) Error() string {
	return fmt.Sprintf("lending: accrual out of order on pool %s: last=%d requested=%d", e.PoolID, e.LastAccrual, e.Requested)
}

// IndexRegressionError signals that a computed index would move backwards, an
// invariant violation indicating corrupted state. Fatal to the pool.
type IndexRegressionError struct {
	PoolID string
	Index  string
}

func (e *IndexRegressionError) Error() string {
	return fmt.Sprintf("lending: %s index regression detected on pool %s", e.Index, e.PoolID)
}

// HealthFactorError rejects a borrow or withdrawal that would breach the
// post-action minimum health factor. It carries enough structured detail for
// the caller to decide on remediation. Detected before any state mutation.
type HealthFactorError struct {
	Current  HealthFactor
	Required string
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("lending: health factor %s below required %s", e.Current, e.Required)
}

// OracleError wraps a price-availability failure with the staleness detail
// the caller needs. Stale prices are propagated, never silently substituted.
type OracleError struct {
	AssetID   string
	Staleness time.Duration
	Breaker   bool
	Err       error
}

func (e *OracleError) Error() string {
	if e.Breaker {
		return fmt.Sprintf("lending: circuit breaker open for asset %s", e.AssetID)
	}
	return fmt.Sprintf("lending: price for asset %s stale by %s", e.AssetID, e.Staleness)
}

func (e *OracleError) Unwrap() error { return e.Err }
