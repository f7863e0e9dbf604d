package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrChannelDisconnected = errors.New("channel disconnected")
	ErrIntegrity           = errors.New("integrity violation")
	ErrWorkerUnavailable   = errors.New("tenant worker unavailable")
	ErrInternal            = errors.New("internal error")
)

// ErrorClass buckets failures for retry and alerting decisions.
type ErrorClass string

const (
	// ClassValidation: bad input, fail fast, no retry.
	ClassValidation ErrorClass = "validation"
	// ClassTransient: network, 5xx, 408, 423, 429; retryable with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassAuth: provider rejected credentials; channel needs operator
	// attention after consecutive occurrences.
	ClassAuth ErrorClass = "auth"
	// ClassIntegrity: would violate an invariant; clamp and audit.
	ClassIntegrity ErrorClass = "integrity"
	// ClassFatal: programming error; the worker reports and exits.
	ClassFatal ErrorClass = "fatal"
)

// Classify maps an error chain onto the taxonomy. Providers return wrapped
// sentinels; this is the single place retry decisions inspect identity.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return ClassValidation
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamUnavailable):
		return ClassTransient
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrChannelDisconnected):
		return ClassAuth
	case errors.Is(err, ErrIntegrity):
		return ClassIntegrity
	default:
		return ClassFatal
	}
}

// IsRetryable reports whether a failed provider call should be re-attempted.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
