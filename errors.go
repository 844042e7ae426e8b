package bip353

import "errors"

var (
	// ErrDomainNotFound is returned when the chain of trust authenticated
	// that no payment instruction exists for the address. This covers both
	// NXDOMAIN and an empty answer at an existing name.
	ErrDomainNotFound = errors.New("no payment instruction published for address")

	// ErrResolutionFailed is returned when the upstream could not be
	// reached or answered garbage. The cause is wrapped and retrievable
	// with errors.Is/As.
	ErrResolutionFailed = errors.New("resolution failed")
)
