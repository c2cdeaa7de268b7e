package domain

import "errors"

var (
	ErrPolicyNotFound = errors.New("discount policy not found")
	ErrNoActivePolicy = errors.New("no active discount policy")
	ErrInvalidPolicy  = errors.New("invalid discount policy")
	ErrActivationBusy = errors.New("another activation is in progress")
)
