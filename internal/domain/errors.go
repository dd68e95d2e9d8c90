package domain

import "errors"

// Upstream errors
var (
	ErrAuthFailure         = errors.New("upstream authentication failed")
	ErrRateLimited         = errors.New("upstream rate limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNotFound            = errors.New("upstream resource not found")
	ErrMalformed           = errors.New("malformed upstream request or response")
)

// Engine errors
var (
	ErrPersistence         = errors.New("persistence failure")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrScanInProgress      = errors.New("scan already in progress")
	ErrDiscoveryInProgress = errors.New("discovery pass already in progress")
	ErrUnknownStrategy     = errors.New("unknown discovery strategy")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInternalError       = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPlayerNotFound)
}

// IsRetryable reports whether an upstream error may succeed on a later attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable)
}
