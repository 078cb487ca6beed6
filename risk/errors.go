package risk

import "errors"

var (
	// ErrSafetyRail 执行引擎下单前的安全护栏拒单，不会触达交易所。
	ErrSafetyRail    = errors.New("safety rail violation")
	ErrMaxNotional   = errors.New("max notional per order exceeded")
	ErrMaxOpenOrders = errors.New("max open orders reached")

	ErrSingleExceed = errors.New("single order exceed")
	ErrDailyExceed  = errors.New("daily volume exceed")
	ErrNetExceed    = errors.New("net exposure exceed")
	ErrTooFrequent  = errors.New("order too frequent")
	ErrPnLTooLow    = errors.New("pnl too low")
)
