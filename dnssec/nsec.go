package dnssec

// NSEC-based authenticated denial of existence per RFC 4035 §5.4.
// The proof records are assumed to be signature-verified by the caller.

import (
	"slices"

	"github.com/miekg/dns"
)

// verifyNSECDenial checks that the NSEC records prove non-existence of
// qname (NXDOMAIN) or of qtype at qname (NODATA).
func (v *Validator) verifyNSECDenial(nsecRecords []*dns.NSEC, qname string, qtype uint16, rcode int) error {
	qname = dns.CanonicalName(qname)

	if rcode == dns.RcodeNameError {
		return v.verifyNSECNameError(nsecRecords, qname)
	}

	return v.verifyNSECNoData(nsecRecords, qname, qtype)
}

// verifyNSECNameError requires an NSEC covering qname and one covering the
// source-of-synthesis wildcard, proving neither exists.
func (v *Validator) verifyNSECNameError(nsecRecords []*dns.NSEC, qname string) error {
	covered := false
	wildcardCovered := false
	wildcard := wildcardFor(qname, nsecRecords)

	for _, nsec := range nsecRecords {
		if nsecCovers(nsec, qname) {
			covered = true
		}

		if wildcard != "" && (nsecCovers(nsec, wildcard) || dns.CanonicalName(nsec.Header().Name) == wildcard) {
			wildcardCovered = true
		}
	}

	if !covered {
		return failuref(qname, ErrNoProofOfNonexistence, "no NSEC covers the name")
	}

	if wildcard != "" && !wildcardCovered {
		return failuref(qname, ErrNoProofOfNonexistence, "no NSEC covers wildcard %s", wildcard)
	}

	v.logger.Debugf("NSEC NXDOMAIN proof verified for %s", qname)

	return nil
}

// verifyNSECNoData requires an NSEC at qname whose type bitmap lacks qtype.
func (v *Validator) verifyNSECNoData(nsecRecords []*dns.NSEC, qname string, qtype uint16) error {
	for _, nsec := range nsecRecords {
		if dns.CanonicalName(nsec.Header().Name) != qname {
			continue
		}

		if slices.Contains(nsec.TypeBitMap, qtype) {
			return failuref(qname, ErrNoProofOfNonexistence,
				"NSEC claims type %s exists yet no answer was given", dns.TypeToString[qtype])
		}

		v.logger.Debugf("NSEC NODATA proof verified for %s/%s", qname, dns.TypeToString[qtype])

		return nil
	}

	return failuref(qname, ErrNoProofOfNonexistence, "no NSEC matches the name for a NODATA proof")
}

// nsecCovers reports whether the NSEC's owner/next span covers name.
// Canonical names make lexicographic comparison equivalent to the RFC 4034
// §6.1 canonical ordering; the wrap-around at the zone end is handled.
func nsecCovers(nsec *dns.NSEC, name string) bool {
	owner := dns.CanonicalName(nsec.Header().Name)
	next := dns.CanonicalName(nsec.NextDomain)
	name = dns.CanonicalName(name)

	if next > owner {
		return name > owner && name < next
	}

	return name > owner || name < next
}

// wildcardFor derives the source-of-synthesis wildcard for qname from the
// zone the NSEC records belong to: "*." + closest enclosing zone name.
func wildcardFor(qname string, nsecRecords []*dns.NSEC) string {
	zone := ""

	for _, nsec := range nsecRecords {
		signerZone := dns.CanonicalName(nsec.Header().Name)
		for !dns.IsSubDomain(signerZone, qname) && signerZone != "." {
			signerZone = parentName(signerZone)
		}

		if dns.CountLabel(signerZone) > dns.CountLabel(zone) {
			zone = signerZone
		}
	}

	if zone == "" || zone == "." {
		return ""
	}

	return "*." + zone
}

func parentName(name string) string {
	labels := dns.SplitDomainName(name)
	if len(labels) <= 1 {
		return "."
	}

	result := "."
	for i := len(labels) - 1; i >= 1; i-- {
		if result == "." {
			result = labels[i] + "."
		} else {
			result = labels[i] + "." + result
		}
	}

	return result
}
