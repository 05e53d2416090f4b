package codes

import "errors"

var (
	ErrCodeNotFound   = errors.New("classroom code not found")
	ErrCodeExpired    = errors.New("classroom code expired")
	ErrAllocatorEmpty = errors.New("code space exhausted after maximum retries")
)
