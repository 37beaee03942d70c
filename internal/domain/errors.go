package domain

import "errors"

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrPreviouslyFailed = errors.New("previously failed")
	ErrCacheRead        = errors.New("cache read error")
	ErrNetwork          = errors.New("network error")
	ErrCancelled        = errors.New("cancelled")
)
