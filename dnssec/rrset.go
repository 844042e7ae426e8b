package dnssec

// RRSIG verification per RFC 4034/4035.

import (
	"errors"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
)

// Algorithm strength scores, used to try stronger signatures first and avoid
// downgrade attacks (RFC 6840 §5.11).
func algorithmStrength(alg uint8) int {
	switch alg {
	case dns.ED448:
		return 100
	case dns.ED25519:
		return 90
	case dns.ECDSAP384SHA384:
		return 80
	case dns.ECDSAP256SHA256:
		return 70
	case dns.RSASHA512:
		return 50
	case dns.RSASHA256:
		return 40
	default:
		return 0
	}
}

// isSupportedAlgorithm reports whether this validator implements the
// algorithm. RSA/SHA-1 is deliberately absent, it is deprecated by RFC 8624
// and a payment resolver has no legacy zones to serve.
func isSupportedAlgorithm(alg uint8) bool {
	switch alg {
	case dns.RSASHA256,
		dns.RSASHA512,
		dns.ECDSAP256SHA256,
		dns.ECDSAP384SHA384,
		dns.ED25519,
		dns.ED448:
		return true
	default:
		return false
	}
}

func sortByAlgorithmStrength(sigs []*dns.RRSIG) []*dns.RRSIG {
	if len(sigs) <= 1 {
		return sigs
	}

	sorted := make([]*dns.RRSIG, len(sigs))
	copy(sorted, sigs)

	sort.SliceStable(sorted, func(i, j int) bool {
		return algorithmStrength(sorted[i].Algorithm) > algorithmStrength(sorted[j].Algorithm)
	})

	return sorted
}

// verifyOneSignature matches the RRSIG to a key from the trusted set and
// verifies it over the RRset.
func (v *Validator) verifyOneSignature(
	rrset []dns.RR, sig *dns.RRSIG, keys []*dns.DNSKEY, ownerName string,
) error {
	key := findMatchingKey(keys, sig.KeyTag, sig.Algorithm)
	if key == nil {
		return failuref(ownerName, ErrUntrustedKey,
			"no trusted DNSKEY with tag %d and algorithm %d", sig.KeyTag, sig.Algorithm)
	}

	return v.verifyRRSIG(rrset, sig, key, ownerName)
}

// verifyRRSIG verifies a single RRSIG with a single, already-trusted key.
func (v *Validator) verifyRRSIG(rrset []dns.RR, sig *dns.RRSIG, key *dns.DNSKEY, ownerName string) error {
	if !isSupportedAlgorithm(sig.Algorithm) {
		return failuref(ownerName, ErrUnsupportedAlgorithm, "algorithm %d", sig.Algorithm)
	}

	if sig.Algorithm != key.Algorithm {
		return failuref(ownerName, ErrBadSignature,
			"RRSIG algorithm %d does not match DNSKEY algorithm %d", sig.Algorithm, key.Algorithm)
	}

	if err := v.checkValidityWindow(sig, ownerName); err != nil {
		return err
	}

	if err := sig.Verify(key, rrset); err != nil {
		return failuref(ownerName, ErrBadSignature, "%v", err)
	}

	return nil
}

// checkValidityWindow checks inception/expiration against the current time,
// with the configured clock skew tolerance (RFC 6781 §4.1.2).
func (v *Validator) checkValidityWindow(sig *dns.RRSIG, ownerName string) error {
	now := time.Now().Unix()
	skew := int64(v.limits.ClockSkewTolerance / time.Second)

	if now < int64(sig.Inception)-skew {
		return failuref(ownerName, ErrSignatureExpired,
			"not yet valid (inception %d, now %d)", sig.Inception, now)
	}

	if now > int64(sig.Expiration)+skew {
		return failuref(ownerName, ErrSignatureExpired,
			"expired (expiration %d, now %d)", sig.Expiration, now)
	}

	return nil
}

// findMatchingKey finds the DNSKEY with the given tag and algorithm.
// RFC 4034 §2.1.2: the protocol field must be 3.
func findMatchingKey(keys []*dns.DNSKEY, keyTag uint16, algorithm uint8) *dns.DNSKEY {
	const dnskeyProtocol = 3

	for _, key := range keys {
		if key.Protocol != dnskeyProtocol {
			continue
		}

		if key.KeyTag() == keyTag && key.Algorithm == algorithm {
			return key
		}
	}

	return nil
}

// checkWildcardExpansion detects a wildcard-expanded RRset (RRSIG label
// count lower than the owner name's) and requires an accompanying NSEC/NSEC3
// record covering the queried name, per RFC 4035 §5.3.4.
func (v *Validator) checkWildcardExpansion(sig *dns.RRSIG, ownerName string, authority []dns.RR) error {
	ownerLabels := dns.CountLabel(dns.CanonicalName(ownerName))
	if int(sig.Labels) >= ownerLabels {
		return nil
	}

	for _, rr := range authority {
		switch proof := rr.(type) {
		case *dns.NSEC:
			if nsecCovers(proof, ownerName) {
				return nil
			}
		case *dns.NSEC3:
			hash, err := v.nsec3Hash(ownerName, proof.Hash, proof.Salt, proof.Iterations)
			if err == nil && nsec3Covers(proof, hash) {
				return nil
			}
		}
	}

	return failuref(ownerName, ErrBadSignature, "wildcard expansion without covering denial proof")
}

// worstFailure reduces the collected per-signature failures to the single
// most telling verdict. A cryptographic failure outranks a validity window
// failure, which outranks a missing key; only when every path was merely
// unsupported does the result become ErrUnsupportedAlgorithm.
func worstFailure(ownerName string, attemptErrs error) error {
	if attemptErrs == nil {
		return failure(ownerName, ErrBadSignature)
	}

	for _, sentinel := range []error{
		ErrBadSignature,
		ErrSignatureExpired,
		ErrUntrustedKey,
		ErrNoProofOfNonexistence,
		ErrChainDepthExceeded,
		ErrQueryBudgetExceeded,
	} {
		if errors.Is(attemptErrs, sentinel) {
			return pickFailure(attemptErrs, sentinel, ownerName)
		}
	}

	if errors.Is(attemptErrs, ErrUnsupportedAlgorithm) {
		return pickFailure(attemptErrs, ErrUnsupportedAlgorithm, ownerName)
	}

	return failuref(ownerName, ErrBadSignature, "%v", attemptErrs)
}

// pickFailure returns the first collected failure matching the sentinel so
// the caller sees the zone where that specific verdict was reached.
func pickFailure(attemptErrs error, sentinel error, ownerName string) error {
	var merr *multierror.Error
	if errors.As(attemptErrs, &merr) {
		for _, err := range merr.Errors {
			if errors.Is(err, sentinel) {
				return err
			}
		}
	}

	if errors.Is(attemptErrs, sentinel) {
		return attemptErrs
	}

	return failure(ownerName, sentinel)
}
