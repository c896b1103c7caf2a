package model

import "errors"

// Error kinds returned by the engine's command surface. Each is a sentinel
// so callers can match with errors.Is through whatever wrapping the
// owning package applies.
var (
	ErrMarketNotFound           = errors.New("model: market not found")
	ErrAssetNotFound            = errors.New("model: asset not found")
	ErrOrderNotFound            = errors.New("model: order not found")
	ErrPositionNotFound         = errors.New("model: position not found")
	ErrLiquidityOrderNotFound   = errors.New("model: liquidity order not found")
	ErrInsufficientMargin       = errors.New("model: insufficient margin")
	ErrInsufficientSize         = errors.New("model: insufficient position size")
	ErrBelowMinSize             = errors.New("model: amount below asset minimum size")
	ErrMaxLeverageExceeded      = errors.New("model: max leverage exceeded")
	ErrMaxOpenInterestExceeded  = errors.New("model: max open interest exceeded")
	ErrPoolDrawdownExceeded     = errors.New("model: pool drawdown limit exceeded")
	ErrInsufficientPoolLiquidity = errors.New("model: insufficient pool liquidity")
	ErrStaleOraclePrice         = errors.New("model: stale oracle price")
	ErrPriceDeviationExceeded   = errors.New("model: oracle price deviation exceeded")
	ErrTriggerConditionNotMet   = errors.New("model: trigger condition not met")
	ErrReduceOnlyViolation      = errors.New("model: reduce-only order would increase position")
	ErrOrderExpired             = errors.New("model: order expired")
	ErrUnauthorized             = errors.New("model: caller not authorized")
	ErrInvalidParameter         = errors.New("model: invalid parameter")
	ErrDuplicateBatch           = errors.New("model: keeper batch id already applied")
)
