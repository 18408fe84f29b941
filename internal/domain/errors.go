package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyBound    = errors.New("external id already bound")
	ErrAlreadySettled  = errors.New("market already settled")
	ErrAlreadyStarted  = errors.New("already started")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrNoPrice         = errors.New("no usable price")
	ErrInvalidTemplate = errors.New("invalid template")
)
