package helpertest

import (
	"crypto"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Zone is a test zone with a freshly generated ECDSA P-256 key pair. Its key
// doubles as KSK and ZSK, the common single-key setup of small zones.
type Zone struct {
	Name string
	Key  *dns.DNSKEY

	signer crypto.Signer
}

// NewZone creates a signed test zone. name must be fully qualified.
func NewZone(name string) *Zone {
	name = dns.Fqdn(name)

	key := &dns.DNSKEY{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeDNSKEY,
			Class:  dns.ClassINET,
			Ttl:    3600,
		},
		Flags:     dns.ZONE | dns.SEP,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}

	priv, err := key.Generate(256)
	if err != nil {
		panic(fmt.Sprintf("can't generate test zone key for %s: %v", name, err))
	}

	return &Zone{
		Name:   name,
		Key:    key,
		signer: priv.(crypto.Signer),
	}
}

// AnchorString returns the DNSKEY in zone file format, usable as a trust
// anchor.
func (z *Zone) AnchorString() string {
	return z.Key.String()
}

// DS returns the SHA-256 delegation signer record for this zone's key.
func (z *Zone) DS() *dns.DS {
	ds := z.Key.ToDS(dns.SHA256)
	ds.Hdr.Ttl = 3600

	return ds
}

// Sign signs the RRset with a validity window around now.
func (z *Zone) Sign(rrset ...dns.RR) *dns.RRSIG {
	return z.SignWithValidity(rrset,
		time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}

// SignWithValidity signs the RRset with an explicit validity window.
func (z *Zone) SignWithValidity(rrset []dns.RR, inception, expiration time.Time) *dns.RRSIG {
	sig := &dns.RRSIG{
		// RRSIG TTL must equal the covered RRset's TTL (RFC 4034 §3);
		// miekg/dns Sign sets OrigTtl but not the header TTL.
		Hdr:        dns.RR_Header{Ttl: rrset[0].Header().Ttl},
		Inception:  uint32(inception.Unix()),
		Expiration: uint32(expiration.Unix()),
		KeyTag:     z.Key.KeyTag(),
		SignerName: z.Name,
		Algorithm:  z.Key.Algorithm,
	}

	if err := sig.Sign(z.signer, rrset); err != nil {
		panic(fmt.Sprintf("can't sign test RRset in %s: %v", z.Name, err))
	}

	return sig
}

// KeyResponse returns the zone's self-signed DNSKEY answer.
func (z *Zone) KeyResponse() *dns.Msg {
	return Response(dns.RcodeSuccess, []dns.RR{z.Key, z.Sign(z.Key)}, nil)
}

// DelegationResponse returns the DS answer for child, signed by z.
func (z *Zone) DelegationResponse(child *Zone) *dns.Msg {
	ds := child.DS()

	return Response(dns.RcodeSuccess, []dns.RR{ds, z.Sign(ds)}, nil)
}

// BuildChain installs the DNSKEY and DS responses for a linear delegation
// chain into client. zones[0] is the anchor zone (usually the root); each
// following zone is securely delegated from its predecessor.
func BuildChain(client *StaticClient, zones ...*Zone) {
	for i, zone := range zones {
		client.Respond(zone.Name, dns.TypeDNSKEY, zone.KeyResponse())

		if i > 0 {
			client.Respond(zone.Name, dns.TypeDS, zones[i-1].DelegationResponse(zone))
		}
	}
}
