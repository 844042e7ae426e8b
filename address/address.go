// Package address parses human-readable payment identifiers of the form
// user@domain, optionally prefixed with the ₿ currency glyph.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ErrInvalidFormat is returned for any syntactically invalid identifier.
var ErrInvalidFormat = errors.New("invalid address format")

const (
	currencyGlyph = "₿"

	// querySuffix is the BIP-353 label infix; the user part becomes DNS
	// labels below it, so user labels share the DNS length limits.
	querySuffix = "user._bitcoin-payment"

	// whole name and single label limits per RFC 1035
	maxDomainLength = 253
	maxLabelLength  = 63
)

// Address is a validated user@domain identifier.
type Address struct {
	User   string
	Domain string
}

// String reassembles the identifier without the currency glyph.
func (a Address) String() string {
	return a.User + "@" + a.Domain
}

// Parse splits a raw identifier into its user and domain parts.
// Leading/trailing whitespace and a leading ₿ glyph are stripped.
func Parse(raw string) (Address, error) {
	addr := strings.TrimSpace(raw)
	addr = strings.TrimPrefix(addr, currencyGlyph)

	if strings.Count(addr, "@") != 1 {
		return Address{}, fmt.Errorf("%w: expected exactly one '@' in %q", ErrInvalidFormat, raw)
	}

	at := strings.Index(addr, "@")
	user, domain := addr[:at], addr[at+1:]

	if user == "" || domain == "" {
		return Address{}, fmt.Errorf("%w: user and domain must be non-empty", ErrInvalidFormat)
	}

	if err := validateUser(user); err != nil {
		return Address{}, err
	}

	if err := validateDomain(domain); err != nil {
		return Address{}, err
	}

	// The identifier must leave room for a valid BIP-353 query name.
	qname := dns.Fqdn(user + "." + querySuffix + "." + domain)
	if _, ok := dns.IsDomainName(qname); !ok {
		return Address{}, fmt.Errorf("%w: derived query name exceeds DNS name limits", ErrInvalidFormat)
	}

	return Address{User: user, Domain: domain}, nil
}

// validateUser restricts the user part to the identifier charset:
// alphanumerics plus '-', '_' and '.'. Dots split the user part into DNS
// labels of the query name, so the label limits apply here too.
func validateUser(user string) error {
	for _, label := range strings.Split(user, ".") {
		if label == "" {
			return fmt.Errorf("%w: empty label in user part %q", ErrInvalidFormat, user)
		}

		if len(label) > maxLabelLength {
			return fmt.Errorf("%w: user label %q exceeds %d octets", ErrInvalidFormat, label, maxLabelLength)
		}
	}

	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: disallowed character %q in user part", ErrInvalidFormat, r)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	name := strings.TrimSuffix(domain, ".")
	if len(name) > maxDomainLength {
		return fmt.Errorf("%w: domain exceeds %d octets", ErrInvalidFormat, maxDomainLength)
	}

	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("%w: empty label in domain %q", ErrInvalidFormat, domain)
		}

		if len(label) > maxLabelLength {
			return fmt.Errorf("%w: label %q exceeds %d octets", ErrInvalidFormat, label, maxLabelLength)
		}
	}

	if _, ok := dns.IsDomainName(dns.Fqdn(name)); !ok {
		return fmt.Errorf("%w: %q is not a valid DNS name", ErrInvalidFormat, domain)
	}

	return nil
}
