package dnssec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Root KSK key tags from IANA.
const (
	ksk2017Tag = 20326 // KSK-2017
	ksk2024Tag = 38696 // KSK-2024
)

// defaultRootTrustAnchors returns the root KSK trust anchors published by
// IANA (https://data.iana.org/root-anchors/root-anchors.xml).
func defaultRootTrustAnchors() []string {
	return []string{
		// KSK-2017, key tag 20326, active since February 2017
		". 172800 IN DNSKEY 257 3 8 " +
			"AwEAAaz/tAm8yTn4Mfeh5eyI96WSVexTBAvkMgJzkKTOiW1vkIbzxeF3+/4RgWOq7HrxRixHlFlExOLAJr5emLvN7SWXgnLh4+B5xQlNVz8Og8k" +
			"vArMtNROxVQuCaSnIDdD5LKyWbRd2n9WGe2R8PzgCmr3EgVLrjyBxWezF0jLHwVN8efS3rCj/EWgvIWgb9tarpVUDK/b58Da+sqqls3eNbuv7pr" +
			"+eoZG+SrDK6nWeL3c6H5Apxz7LjVc1uTIdsIXxuOLYA4/ilBmSVIzuDWfdRUfhHdY6+cn8HFRm+2hM8AnXGXws9555KrUB5qihylGa8subX2Nn6" +
			"UwNR1AkUTV74bU=",
		// KSK-2024, key tag 38696, active since July 2024
		". 172800 IN DNSKEY 257 3 8 " +
			"AwEAAa96jeuknZlaeSrvyAJj6ZHv28hhOKkx3rLGXVaC6rXTsDc449/cidltpkyGwCJNnOAlFNKF2jBosZBU5eeHspaQWOmOElZsjICMQMC3aeH" +
			"bGiShvZsx4wMYSjH8e7Vrhbu6irwCzVBApESjbUdpWWmEnhathWu1jo+siFUiRAAxm9qyJNg/wOZqqzL/dL/q8PkcRU5oUKEpUge71M3ej2/7CP" +
			"qpdVwuMoTvoB+ZOT4YeGyxMvHmbrxlFzGOHOijtzN+u1TQNatX2XBuzZNQ1K+s2CXkPIZo7s6JgZyvaBevYtxPvYLw4z9mR7K2vaF18UYH9Z9GN" +
			"UUeayffKC73PYc=",
	}
}

// TrustAnchorStore holds the configured DNSSEC trust anchors, keyed by zone.
type TrustAnchorStore struct {
	anchors map[string][]*dns.DNSKEY
}

// NewTrustAnchorStore creates a store from DNSKEY records in zone file
// format. With no custom anchors the IANA root KSKs are used. Every anchor
// must be a KSK (SEP flag set).
func NewTrustAnchorStore(customAnchors []string) (*TrustAnchorStore, error) {
	store := &TrustAnchorStore{
		anchors: make(map[string][]*dns.DNSKEY),
	}

	anchors := customAnchors
	if len(anchors) == 0 {
		anchors = defaultRootTrustAnchors()
	}

	for _, anchor := range anchors {
		if err := store.AddTrustAnchor(anchor); err != nil {
			return nil, fmt.Errorf("failed to load trust anchor: %w", err)
		}
	}

	return store, nil
}

// AddTrustAnchor adds a trust anchor from a DNSKEY record string.
func (s *TrustAnchorStore) AddTrustAnchor(anchorStr string) error {
	rr, err := dns.NewRR(anchorStr)
	if err != nil {
		return fmt.Errorf("failed to parse trust anchor: %w", err)
	}

	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return errors.New("trust anchor is not a DNSKEY record")
	}

	if dnskey.Flags&dns.SEP == 0 {
		return errors.New("trust anchor is not a KSK (SEP flag not set)")
	}

	zone := strings.ToLower(dns.Fqdn(dnskey.Header().Name))
	s.anchors[zone] = append(s.anchors[zone], dnskey)

	return nil
}

// Anchors returns the trust anchors for a zone, or nil.
func (s *TrustAnchorStore) Anchors(zone string) []*dns.DNSKEY {
	return s.anchors[strings.ToLower(dns.Fqdn(zone))]
}

// HasAnchor reports whether an anchor is configured for the zone.
func (s *TrustAnchorStore) HasAnchor(zone string) bool {
	return len(s.Anchors(zone)) > 0
}

// ClosestAnchorZone returns the deepest zone with a configured anchor that is
// equal to or an ancestor of name, or "" when none covers it.
func (s *TrustAnchorStore) ClosestAnchorZone(name string) string {
	name = strings.ToLower(dns.Fqdn(name))

	best := ""
	for zone := range s.anchors {
		if !dns.IsSubDomain(zone, name) {
			continue
		}

		if best == "" || dns.CountLabel(zone) > dns.CountLabel(best) {
			best = zone
		}
	}

	return best
}
