package status

import "errors"

var (
	ErrNotFound         = errors.New("status: not found")
	ErrUnauthorized     = errors.New("status: unauthorized")
	ErrInvalidState     = errors.New("status: invalid state")
	ErrCapacityExceeded = errors.New("status: capacity exceeded")
	ErrConflict         = errors.New("status: conflict")
	ErrRateLimited      = errors.New("status: rate limited")

	// ErrDispatchFailed is returned when a payment request could not be
	// handed to the payment collaborator.
	ErrDispatchFailed = errors.New("payment: dispatch failed")
)
