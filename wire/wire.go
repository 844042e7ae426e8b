// Package wire builds DNS queries and decodes DNS responses.
//
// Encoding and decoding is delegated to miekg/dns; this package pins down the
// query attributes the resolution engine relies on (fresh random ID, DNSSEC-OK
// flag, EDNS0 payload size) and maps every decode failure, including truncated
// records and compression pointer loops, to ErrMalformedMessage so that a
// corrupt response can never surface as a partial result.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ErrMalformedMessage is returned when DNS wire data cannot be decoded.
var ErrMalformedMessage = errors.New("malformed DNS message")

// EDNSUDPSize is the advertised EDNS0 UDP payload size. DNSSEC responses
// carry large keys and signatures, so advertise well above the 512 default.
const EDNSUDPSize = 4096

// NewQuery creates a DNSSEC-enabled query for the given name and type with a
// fresh random message ID.
func NewQuery(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.SetEdns0(EDNSUDPSize, true) // DO bit requests DNSSEC records

	return msg
}

// Pack encodes a message to wire format.
func Pack(msg *dns.Msg) ([]byte, error) {
	raw, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return raw, nil
}

// Unpack decodes wire data into a message. Any decode error, including
// pointer loops and truncated rdata, results in ErrMalformedMessage.
func Unpack(raw []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return msg, nil
}

// ExtractRecords returns all records of type T from the given sections.
func ExtractRecords[T dns.RR](sections ...[]dns.RR) []T {
	var result []T

	for _, section := range sections {
		for _, rr := range section {
			if typed, ok := rr.(T); ok {
				result = append(result, typed)
			}
		}
	}

	return result
}

// MinTTL returns the smallest TTL across the given sections, or 0 when no
// records are present. OPT pseudo-records are ignored, their TTL field is
// repurposed for extended rcode bits.
func MinTTL(sections ...[]dns.RR) uint32 {
	var minTTL uint32
	found := false

	for _, section := range sections {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}

			if !found || rr.Header().Ttl < minTTL {
				minTTL = rr.Header().Ttl
				found = true
			}
		}
	}

	return minTTL
}

// JoinTXT concatenates the character-strings of a TXT record into the single
// logical payload, per RFC 7208 style concatenation used by BIP-353.
func JoinTXT(txt *dns.TXT) string {
	return strings.Join(txt.Txt, "")
}
