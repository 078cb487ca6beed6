package order

import "errors"

var (
	ErrDuplicateID       = errors.New("duplicate client order id")
	ErrNotFound          = errors.New("order not found")
	ErrVersionConflict   = errors.New("order version conflict")
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrStaleUpdate 累计成交量小于账本记录，属于乱序的轮询结果。
	ErrStaleUpdate = errors.New("stale order update")
	// ErrNoChange 成交量与账本一致，无需变更。
	ErrNoChange       = errors.New("no order change")
	ErrValidation     = errors.New("order validation failed")
	ErrNotCancellable = errors.New("order not cancellable")
)
