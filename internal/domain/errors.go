package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNoOrderbook   = errors.New("no orderbook exists")
	ErrSigningFailed = errors.New("signing failed")
	ErrBuyNotFilled  = errors.New("buy order filled 0 shares")
	ErrWSDisconnect  = errors.New("websocket disconnected")

	// ErrSellBelowFloor is the sell safety-floor validation error. It is
	// raised before any network call and must never be retried.
	ErrSellBelowFloor = errors.New("sell price below safety floor")
)
