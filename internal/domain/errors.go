package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidOrder         = errors.New("invalid order parameters")
	ErrNotInitialized       = errors.New("exchange client not initialized")
	ErrConfirmationRequired = errors.New("real money confirmation required")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrLockHeld             = errors.New("lock already held")
)
