package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("router: rate limit exceeded")
)
