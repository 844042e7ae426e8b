package dnssec

// NSEC3-based authenticated denial of existence per RFC 5155.
// The proof records are assumed to be signature-verified by the caller.

import (
	"fmt"
	"slices"
	"strings"

	"github.com/miekg/dns"
)

// optOutFlag marks NSEC3 spans that may contain unsigned delegations
// (RFC 5155 §6). A denial resting on an opt-out span does not authenticate
// non-existence, so it is rejected here.
const optOutFlag = 0x01

// verifyNSEC3Denial checks that the NSEC3 records prove non-existence of
// qname (NXDOMAIN) or of qtype at qname (NODATA).
func (v *Validator) verifyNSEC3Denial(nsec3Records []*dns.NSEC3, qname string, qtype uint16, rcode int) error {
	qname = dns.CanonicalName(qname)

	first := nsec3Records[0]
	hashAlg, salt, iterations := first.Hash, first.Salt, first.Iterations

	if iterations > uint16(v.limits.MaxNSEC3Iterations) {
		return failuref(qname, ErrNoProofOfNonexistence,
			"NSEC3 iteration count %d exceeds limit %d", iterations, v.limits.MaxNSEC3Iterations)
	}

	// Only SHA-1 (algorithm 1) is standardized for NSEC3.
	if hashAlg != dns.SHA1 {
		return failuref(qname, ErrNoProofOfNonexistence, "unsupported NSEC3 hash algorithm %d", hashAlg)
	}

	for _, nsec3 := range nsec3Records {
		if nsec3.Hash != hashAlg || nsec3.Salt != salt || nsec3.Iterations != iterations {
			return failuref(qname, ErrNoProofOfNonexistence, "inconsistent NSEC3 parameters")
		}

		if nsec3.Flags&optOutFlag != 0 {
			return failuref(qname, ErrNoProofOfNonexistence, "NSEC3 opt-out span cannot authenticate denial")
		}
	}

	zone := nsec3Zone(nsec3Records)
	if zone == "" {
		return failuref(qname, ErrNoProofOfNonexistence, "cannot determine NSEC3 zone")
	}

	if rcode == dns.RcodeNameError {
		return v.verifyNSEC3NameError(nsec3Records, qname, zone, hashAlg, salt, iterations)
	}

	return v.verifyNSEC3NoData(nsec3Records, qname, qtype, hashAlg, salt, iterations)
}

// verifyNSEC3NameError validates the three-part NXDOMAIN proof of RFC 5155
// §8.4: closest encloser exists, next closer does not, wildcard does not.
func (v *Validator) verifyNSEC3NameError(
	nsec3Records []*dns.NSEC3, qname, zone string, hashAlg uint8, salt string, iterations uint16,
) error {
	closestEncloser, err := v.findClosestEncloser(nsec3Records, qname, zone, hashAlg, salt, iterations)
	if err != nil {
		return err
	}

	nextCloser := nextCloserName(qname, closestEncloser)
	if nextCloser == "" {
		return failuref(qname, ErrNoProofOfNonexistence, "cannot derive next closer name")
	}

	nextCloserHash, err := v.nsec3Hash(nextCloser, hashAlg, salt, iterations)
	if err != nil {
		return failuref(qname, ErrNoProofOfNonexistence, "%v", err)
	}

	if !anyNSEC3Covers(nsec3Records, nextCloserHash) {
		return failuref(qname, ErrNoProofOfNonexistence, "next closer name %s is not covered", nextCloser)
	}

	wildcard := "*." + closestEncloser

	wildcardHash, err := v.nsec3Hash(wildcard, hashAlg, salt, iterations)
	if err != nil {
		return failuref(qname, ErrNoProofOfNonexistence, "%v", err)
	}

	if !anyNSEC3Covers(nsec3Records, wildcardHash) {
		return failuref(qname, ErrNoProofOfNonexistence, "wildcard %s is not covered", wildcard)
	}

	v.logger.Debugf("NSEC3 NXDOMAIN proof verified for %s (closest encloser %s)", qname, closestEncloser)

	return nil
}

// verifyNSEC3NoData requires an NSEC3 matching qname whose bitmap lacks
// qtype (RFC 5155 §8.5).
func (v *Validator) verifyNSEC3NoData(
	nsec3Records []*dns.NSEC3, qname string, qtype uint16, hashAlg uint8, salt string, iterations uint16,
) error {
	qnameHash, err := v.nsec3Hash(qname, hashAlg, salt, iterations)
	if err != nil {
		return failuref(qname, ErrNoProofOfNonexistence, "%v", err)
	}

	for _, nsec3 := range nsec3Records {
		if !strings.EqualFold(ownerHash(nsec3), qnameHash) {
			continue
		}

		if slices.Contains(nsec3.TypeBitMap, qtype) {
			return failuref(qname, ErrNoProofOfNonexistence,
				"NSEC3 claims type %s exists yet no answer was given", dns.TypeToString[qtype])
		}

		v.logger.Debugf("NSEC3 NODATA proof verified for %s/%s", qname, dns.TypeToString[qtype])

		return nil
	}

	return failuref(qname, ErrNoProofOfNonexistence, "no NSEC3 matches the name for a NODATA proof")
}

// findClosestEncloser walks qname upwards until an NSEC3 record matches an
// ancestor, proving that ancestor exists (RFC 5155 §8.3).
func (v *Validator) findClosestEncloser(
	nsec3Records []*dns.NSEC3, qname, zone string, hashAlg uint8, salt string, iterations uint16,
) (string, error) {
	candidate := qname

	for dns.IsSubDomain(zone, candidate) {
		hash, err := v.nsec3Hash(candidate, hashAlg, salt, iterations)
		if err != nil {
			return "", failuref(qname, ErrNoProofOfNonexistence, "%v", err)
		}

		for _, nsec3 := range nsec3Records {
			if strings.EqualFold(ownerHash(nsec3), hash) {
				return candidate, nil
			}
		}

		if candidate == zone {
			break
		}

		candidate = parentName(candidate)
	}

	return "", failuref(qname, ErrNoProofOfNonexistence, "no closest encloser proof")
}

// nextCloserName returns the name one label below the closest encloser on
// the path to qname.
func nextCloserName(qname, closestEncloser string) string {
	qnameLabels := dns.SplitDomainName(qname)
	encloserCount := dns.CountLabel(closestEncloser)

	idx := len(qnameLabels) - encloserCount - 1
	if idx < 0 {
		return ""
	}

	return dns.CanonicalName(strings.Join(qnameLabels[idx:], "."))
}

// nsec3Hash computes (and caches) the NSEC3 hash of a name. The iterated
// SHA-1 is expensive enough to be worth caching across proofs.
func (v *Validator) nsec3Hash(name string, hashAlg uint8, salt string, iterations uint16) (string, error) {
	name = dns.CanonicalName(name)
	cacheKey := fmt.Sprintf("%s:%d:%s:%d", name, hashAlg, salt, iterations)

	if cached, ok := v.nsec3HashCache.Load(cacheKey); ok {
		return cached.(string), nil
	}

	hash := dns.HashName(name, hashAlg, iterations, salt)
	if hash == "" {
		return "", fmt.Errorf("NSEC3 hash computation failed for %s", name)
	}

	v.nsec3HashCache.Store(cacheKey, hash)

	return hash, nil
}

// ownerHash extracts the hash label from an NSEC3 owner name.
func ownerHash(nsec3 *dns.NSEC3) string {
	labels := dns.SplitDomainName(nsec3.Header().Name)
	if len(labels) == 0 {
		return ""
	}

	return labels[0]
}

// nsec3Zone derives the zone from the NSEC3 owner names (<hash>.<zone>).
func nsec3Zone(nsec3Records []*dns.NSEC3) string {
	for _, nsec3 := range nsec3Records {
		labels := dns.SplitDomainName(nsec3.Header().Name)
		if len(labels) > 1 {
			return dns.CanonicalName(strings.Join(labels[1:], "."))
		}
	}

	return ""
}

// anyNSEC3Covers reports whether any record's hash span covers the hash.
func anyNSEC3Covers(nsec3Records []*dns.NSEC3, hash string) bool {
	for _, nsec3 := range nsec3Records {
		if nsec3Covers(nsec3, hash) {
			return true
		}
	}

	return false
}

// nsec3Covers compares the hash against the record's owner/next span in
// base32hex order, handling the wrap-around at the zone end.
func nsec3Covers(nsec3 *dns.NSEC3, hash string) bool {
	owner := strings.ToUpper(ownerHash(nsec3))
	next := strings.ToUpper(nsec3.NextDomain)
	hash = strings.ToUpper(hash)

	if next > owner {
		return hash > owner && hash < next
	}

	return hash > owner || hash < next
}
