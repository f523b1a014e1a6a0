package vrcapi

import "errors"

var (
	ErrNotFound    = errors.New("world not found")
	ErrRateLimited = errors.New("rate limited by API")
	ErrTooLarge    = errors.New("response body too large")
)
