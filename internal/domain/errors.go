package domain

import "errors"

var (
	ErrMissingProfile = errors.New("symbol has no risk/reward profile")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrOrderRejected  = errors.New("order rejected by exchange")
	ErrOrderPending   = errors.New("order not settled by exchange")
	ErrSnapshotLocked = errors.New("snapshot store is locked by another writer")
)
