package rate

import "errors"

var (
	// ErrRateLimited is returned when a rule's window budget is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures from the counter backend.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
