package dnssec

import (
	"errors"
	"fmt"
)

// Security failures. None of these is ever downgraded to an unauthenticated
// success; callers receive them typed and unmodified.
var (
	// ErrUntrustedKey indicates no DNSKEY matched a trusted DS digest or
	// configured trust anchor.
	ErrUntrustedKey = errors.New("no DNSKEY matches a trusted DS record or anchor")

	// ErrBadSignature indicates cryptographic signature verification failed.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrUnsupportedAlgorithm indicates a record needed for the chain is
	// signed with an algorithm this validator does not implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported DNSSEC algorithm")

	// ErrSignatureExpired indicates a signature outside its validity period.
	ErrSignatureExpired = errors.New("signature outside its validity period")

	// ErrNoProofOfNonexistence indicates an empty answer without a valid
	// NSEC/NSEC3 denial proof.
	ErrNoProofOfNonexistence = errors.New("negative answer without valid NSEC/NSEC3 proof")

	// ErrChainDepthExceeded indicates the delegation chain is deeper than the
	// configured bound.
	ErrChainDepthExceeded = errors.New("delegation chain exceeds maximum depth")

	// ErrQueryBudgetExceeded indicates a single validation issued more
	// upstream queries than allowed.
	ErrQueryBudgetExceeded = errors.New("upstream query budget exhausted")
)

// ValidationError wraps any of the security failures above with the zone (or
// owner name) where validation stopped.
type ValidationError struct {
	Zone string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dnssec validation failed for %s: %v", e.Zone, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func failure(zone string, err error) error {
	return &ValidationError{Zone: zone, Err: err}
}

func failuref(zone string, sentinel error, format string, args ...any) error {
	return &ValidationError{
		Zone: zone,
		Err:  fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...),
	}
}
