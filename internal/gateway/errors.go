package gateway

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidJSON       = errors.New("failed to marshal outbound envelope")
	ErrWriteTimeout      = errors.New("write timed out")
	ErrPayloadTooLarge   = errors.New("inbound frame exceeds 1 MiB limit")
	ErrNilConnection     = errors.New("nil connection")
	ErrInvalidFrame      = errors.New("inbound frame is not valid JSON")
)
