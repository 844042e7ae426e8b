// Package dnssec validates DNS answers against a chain of trust per RFC
// 4033, 4034, 4035 and 5155.
//
// The validator walks the delegation chain top-down from a configured trust
// anchor to the signing zone of the queried name, one zone cut at a time,
// accumulating verified DNSKEY sets. Positive answers are accepted only when
// an RRSIG over the answer verifies under a trusted key; empty answers are
// accepted only with a verified NSEC or NSEC3 denial proof. There is no
// "insecure" outcome: a break anywhere in the chain is a typed failure.
package dnssec

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/btcpayd/bip353/log"
	"github.com/btcpayd/bip353/transport"
	"github.com/btcpayd/bip353/wire"
)

// Limits bounds the work a single validation may perform on adversarial
// zones. Zero values select the defaults.
type Limits struct {
	MaxChainDepth      uint
	MaxNSEC3Iterations uint
	MaxQueries         uint
	ClockSkewTolerance time.Duration
}

const (
	defaultMaxChainDepth      = 20
	defaultMaxNSEC3Iterations = 150 // RFC 5155 §10.3 guidance
	defaultMaxQueries         = 30
	defaultClockSkew          = 5 * time.Minute
)

func (l Limits) withDefaults() Limits {
	if l.MaxChainDepth == 0 {
		l.MaxChainDepth = defaultMaxChainDepth
	}

	if l.MaxNSEC3Iterations == 0 {
		l.MaxNSEC3Iterations = defaultMaxNSEC3Iterations
	}

	if l.MaxQueries == 0 {
		l.MaxQueries = defaultMaxQueries
	}

	if l.ClockSkewTolerance == 0 {
		l.ClockSkewTolerance = defaultClockSkew
	}

	return l
}

// Validator validates DNSSEC chains of trust. It is safe for concurrent use;
// all per-validation state lives in a chain walk instance.
type Validator struct {
	upstream       transport.Client
	anchors        *TrustAnchorStore
	limits         Limits
	logger         *logrus.Entry
	nsec3HashCache sync.Map // "name:alg:salt:iterations" -> hash
}

// VerifiedSet is the outcome of a successful validation.
type VerifiedSet struct {
	// Records holds the validated answer RRset. Empty for an authenticated
	// negative answer.
	Records []dns.RR

	// MinTTL is the minimum TTL observed across the validated record set.
	MinTTL uint32

	// NameExists is false when the chain authenticated non-existence of the
	// queried name or type.
	NameExists bool
}

// NewValidator creates a validator that issues DNSKEY/DS/proof queries via
// the given transport.
func NewValidator(upstream transport.Client, anchors *TrustAnchorStore, limits Limits) *Validator {
	return &Validator{
		upstream: upstream,
		anchors:  anchors,
		limits:   limits.withDefaults(),
		logger:   log.PrefixedLog("dnssec"),
	}
}

// Validate validates the response for qname/qtype against the chain of
// trust. It returns a VerifiedSet on success (including authenticated
// non-existence) or a *ValidationError.
func (v *Validator) Validate(
	ctx context.Context, qname string, qtype uint16, response *dns.Msg,
) (*VerifiedSet, error) {
	qname = dns.CanonicalName(qname)

	walk := &chainWalk{
		v:           v,
		trustedKeys: make(map[string][]*dns.DNSKEY),
	}
	walk.budget.Store(int64(v.limits.MaxQueries))

	answers := answerRRset(response.Answer, qname, qtype)
	if len(answers) > 0 {
		return v.validatePositive(ctx, walk, qname, qtype, answers, response)
	}

	return v.validateNegative(ctx, walk, qname, qtype, response)
}

// validatePositive validates a non-empty answer RRset.
func (v *Validator) validatePositive(
	ctx context.Context, walk *chainWalk, qname string, qtype uint16,
	answers []dns.RR, response *dns.Msg,
) (*VerifiedSet, error) {
	sigs := coveringRRSIGs(response.Answer, qname, qtype)
	if len(sigs) == 0 {
		return nil, failuref(qname, ErrBadSignature, "answer carries no RRSIG covering %s", dns.TypeToString[qtype])
	}

	if err := v.verifyRRsetChain(ctx, walk, qname, answers, sigs, response.Ns); err != nil {
		return nil, err
	}

	v.logger.Debugf("validated %s/%s (%d records)", qname, dns.TypeToString[qtype], len(answers))

	return &VerifiedSet{
		Records:    answers,
		MinTTL:     wire.MinTTL(response.Answer),
		NameExists: true,
	}, nil
}

// validateNegative validates an empty answer: NXDOMAIN or NODATA. An empty
// unsigned answer is never accepted, that would allow trivial spoofing.
func (v *Validator) validateNegative(
	ctx context.Context, walk *chainWalk, qname string, qtype uint16, response *dns.Msg,
) (*VerifiedSet, error) {
	nsecRecords := wire.ExtractRecords[*dns.NSEC](response.Ns)
	nsec3Records := wire.ExtractRecords[*dns.NSEC3](response.Ns)

	if len(nsecRecords) == 0 && len(nsec3Records) == 0 {
		return nil, failuref(qname, ErrNoProofOfNonexistence,
			"empty answer for %s without NSEC/NSEC3 records", dns.TypeToString[qtype])
	}

	// The proof records are attacker-supplied until their own signatures
	// verify under the chain of trust.
	if err := v.verifyAuthorityRRsets(ctx, walk, response.Ns); err != nil {
		return nil, err
	}

	if len(nsec3Records) > 0 {
		if err := v.verifyNSEC3Denial(nsec3Records, qname, qtype, response.Rcode); err != nil {
			return nil, err
		}
	} else {
		if err := v.verifyNSECDenial(nsecRecords, qname, qtype, response.Rcode); err != nil {
			return nil, err
		}
	}

	v.logger.Debugf("authenticated denial of existence for %s/%s", qname, dns.TypeToString[qtype])

	return &VerifiedSet{
		MinTTL:     wire.MinTTL(response.Ns),
		NameExists: false,
	}, nil
}

// verifyAuthorityRRsets verifies the signature of every non-RRSIG RRset in
// the authority section through the chain of trust.
func (v *Validator) verifyAuthorityRRsets(ctx context.Context, walk *chainWalk, authority []dns.RR) error {
	sigs := wire.ExtractRecords[*dns.RRSIG](authority)

	for key, rrset := range groupRRsets(authority) {
		matching := matchingRRSIGs(sigs, key.name, key.rrType)
		if len(matching) == 0 {
			return failuref(key.name, ErrBadSignature,
				"authority RRset %s has no covering RRSIG", dns.TypeToString[key.rrType])
		}

		if err := v.verifyRRsetChain(ctx, walk, key.name, rrset, matching, nil); err != nil {
			return err
		}
	}

	return nil
}

// rrsetKey identifies an RRset by owner name and type. Per RFC 4035 an RRset
// is the set of RRs sharing owner name, class and type.
type rrsetKey struct {
	name   string
	rrType uint16
}

func groupRRsets(rrs []dns.RR) map[rrsetKey][]dns.RR {
	rrsets := make(map[rrsetKey][]dns.RR)

	for _, rr := range rrs {
		if _, isSig := rr.(*dns.RRSIG); isSig {
			continue
		}

		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}

		key := rrsetKey{
			name:   dns.CanonicalName(rr.Header().Name),
			rrType: rr.Header().Rrtype,
		}
		rrsets[key] = append(rrsets[key], rr)
	}

	return rrsets
}

// answerRRset returns the records of the requested type owned by qname.
func answerRRset(answer []dns.RR, qname string, qtype uint16) []dns.RR {
	var rrset []dns.RR

	for _, rr := range answer {
		if rr.Header().Rrtype == qtype && dns.CanonicalName(rr.Header().Name) == qname {
			rrset = append(rrset, rr)
		}
	}

	return rrset
}

// coveringRRSIGs returns all RRSIGs in the section that cover qname/qtype.
func coveringRRSIGs(section []dns.RR, qname string, qtype uint16) []*dns.RRSIG {
	return matchingRRSIGs(wire.ExtractRecords[*dns.RRSIG](section), qname, qtype)
}

func matchingRRSIGs(sigs []*dns.RRSIG, ownerName string, rrType uint16) []*dns.RRSIG {
	ownerName = dns.CanonicalName(ownerName)

	var matching []*dns.RRSIG

	for _, sig := range sigs {
		if sig.TypeCovered == rrType && dns.CanonicalName(sig.Header().Name) == ownerName {
			matching = append(matching, sig)
		}
	}

	return matching
}
