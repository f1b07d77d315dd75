package store

import "errors"

var (
	ErrTokenNotFound     = errors.New("token not found")
	ErrCounterNotFound   = errors.New("counter not found")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrNoTokenWaiting    = errors.New("no token waiting")
	ErrInvalidState      = errors.New("invalid token state")
	ErrCounterInactive   = errors.New("counter inactive")
	ErrCounterBusy       = errors.New("counter busy")
	ErrDuplicateIdentity = errors.New("waiting token already exists for identity")
	ErrDuplicateNumber   = errors.New("token number already exists")
	ErrUnavailable       = errors.New("store unavailable")
)
