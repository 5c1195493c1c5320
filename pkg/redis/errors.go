package redis

import "errors"

var (
	// ErrEmptyConnectionURL means the cache was enabled without an address.
	ErrEmptyConnectionURL = errors.New("redis: connection URL is empty")

	ErrFailedToParseRedisConnString = errors.New("redis: invalid connection URL")
	ErrRedisNotReady                = errors.New("redis: server not ready before timeout")
	ErrHealthcheckFailed            = errors.New("redis: healthcheck failed")
)
