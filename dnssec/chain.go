package dnssec

// Chain of trust walk per RFC 4035. The walk is an explicit loop over zone
// cuts with an accumulated trusted key set, top-down from the closest
// configured trust anchor to the signing zone.

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/btcpayd/bip353/wire"
)

// revokeFlag is the RFC 5011 §7 REVOKE flag; revoked keys must not be used.
const revokeFlag = 0x0080

// chainWalk carries the per-validation state: the query budget and the
// DNSKEY sets verified so far, keyed by zone. The budget is decremented
// atomically, DS and DNSKEY fetches run concurrently.
type chainWalk struct {
	v           *Validator
	budget      atomic.Int64
	trustedKeys map[string][]*dns.DNSKEY
}

// exchange issues one budgeted DNSSEC query through the transport.
func (w *chainWalk) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if w.budget.Add(-1) < 0 {
		return nil, failuref(name, ErrQueryBudgetExceeded, "limit %d", w.v.limits.MaxQueries)
	}

	return w.v.upstream.Exchange(ctx, wire.NewQuery(name, qtype))
}

// trustedKeysFor returns the verified DNSKEY set of zone, walking the chain
// of trust down from the closest configured anchor if necessary.
func (w *chainWalk) trustedKeysFor(ctx context.Context, zone string) ([]*dns.DNSKEY, error) {
	zone = dns.CanonicalName(zone)

	if keys, ok := w.trustedKeys[zone]; ok {
		return keys, nil
	}

	if uint(dns.CountLabel(zone)) > w.v.limits.MaxChainDepth {
		return nil, failuref(zone, ErrChainDepthExceeded, "%d labels, limit %d",
			dns.CountLabel(zone), w.v.limits.MaxChainDepth)
	}

	anchorZone := w.v.anchors.ClosestAnchorZone(zone)
	if anchorZone == "" {
		return nil, failuref(zone, ErrUntrustedKey, "no trust anchor covers this zone")
	}

	currentKeys, err := w.verifyAnchorZoneKeys(ctx, anchorZone)
	if err != nil {
		return nil, err
	}

	current := anchorZone
	w.trustedKeys[current] = currentKeys

	// Walk label by label from the anchor zone towards the target. Labels
	// without a secure delegation stay inside the current zone.
	for _, next := range zonePath(anchorZone, zone) {
		nextKeys, isCut, err := w.descend(ctx, current, currentKeys, next)
		if err != nil {
			return nil, err
		}

		if isCut {
			current = next
			currentKeys = nextKeys
			w.trustedKeys[current] = currentKeys
		}
	}

	if current != zone {
		// The parent proved there is no DS for this name, yet something
		// claims to sign from here. An unsigned delegation cannot anchor
		// signatures.
		return nil, failuref(zone, ErrUntrustedKey, "no secure delegation from %s", current)
	}

	return currentKeys, nil
}

// descend crosses one potential zone cut: it fetches the DS set for next from
// the current zone and, if a verified DS exists, validates next's DNSKEY
// RRset against it. DNSKEY and DS are fetched in parallel; the DNSKEY fetch
// is wasted when next turns out not to be a delegation, which is the rarer
// case.
func (w *chainWalk) descend(
	ctx context.Context, current string, currentKeys []*dns.DNSKEY, next string,
) (keys []*dns.DNSKEY, isCut bool, err error) {
	var dsResponse, keyResponse *dns.Msg

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dsResponse, err = w.exchange(gctx, next, dns.TypeDS)

		return err
	})
	g.Go(func() error {
		var err error
		keyResponse, err = w.exchange(gctx, next, dns.TypeDNSKEY)

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	dsRecords := wire.ExtractRecords[*dns.DS](dsResponse.Answer, dsResponse.Ns)
	if len(dsRecords) == 0 {
		// No delegation here. That claim must itself be authenticated.
		if err := w.verifyDSAbsence(ctx, current, currentKeys, next, dsResponse); err != nil {
			return nil, false, err
		}

		return nil, false, nil
	}

	// The DS RRset lives in the parent zone and must be signed by it.
	dsSigs := coveringRRSIGs(append(dsResponse.Answer, dsResponse.Ns...), next, dns.TypeDS)
	if len(dsSigs) == 0 {
		return nil, false, failuref(next, ErrBadSignature, "DS RRset has no covering RRSIG")
	}

	dsRRset := make([]dns.RR, 0, len(dsRecords))
	for _, ds := range dsRecords {
		dsRRset = append(dsRRset, ds)
	}

	if err := w.v.verifyWithKeys(dsRRset, dsSigs, current, currentKeys, next); err != nil {
		return nil, false, err
	}

	keys, err = w.v.verifyApexKeys(next, keyResponse, dsRecords)
	if err != nil {
		return nil, false, err
	}

	return keys, true, nil
}

// verifyDSAbsence checks the NSEC/NSEC3 NODATA proof that no DS exists for
// next, signed by the current zone.
func (w *chainWalk) verifyDSAbsence(
	ctx context.Context, current string, currentKeys []*dns.DNSKEY, next string, dsResponse *dns.Msg,
) error {
	nsecRecords := wire.ExtractRecords[*dns.NSEC](dsResponse.Ns)
	nsec3Records := wire.ExtractRecords[*dns.NSEC3](dsResponse.Ns)

	if len(nsecRecords) == 0 && len(nsec3Records) == 0 {
		return failuref(next, ErrNoProofOfNonexistence, "DS absence is not proven")
	}

	// Verify the proof RRsets under the parent zone's keys.
	sigs := wire.ExtractRecords[*dns.RRSIG](dsResponse.Ns)

	for key, rrset := range groupRRsets(dsResponse.Ns) {
		matching := matchingRRSIGs(sigs, key.name, key.rrType)
		if len(matching) == 0 {
			return failuref(key.name, ErrBadSignature, "unsigned record in DS denial proof")
		}

		if err := w.v.verifyWithKeys(rrset, matching, current, currentKeys, key.name); err != nil {
			return err
		}
	}

	if len(nsec3Records) > 0 {
		return w.v.verifyNSEC3Denial(nsec3Records, next, dns.TypeDS, dsResponse.Rcode)
	}

	return w.v.verifyNSECDenial(nsecRecords, next, dns.TypeDS, dsResponse.Rcode)
}

// verifyAnchorZoneKeys verifies the DNSKEY RRset of the anchor zone directly
// against the configured trust anchors.
func (w *chainWalk) verifyAnchorZoneKeys(ctx context.Context, anchorZone string) ([]*dns.DNSKEY, error) {
	if keys, ok := w.trustedKeys[anchorZone]; ok {
		return keys, nil
	}

	response, err := w.exchange(ctx, anchorZone, dns.TypeDNSKEY)
	if err != nil {
		return nil, err
	}

	keys := wire.ExtractRecords[*dns.DNSKEY](response.Answer)
	if len(keys) == 0 {
		return nil, failuref(anchorZone, ErrUntrustedKey, "zone returned no DNSKEY records")
	}

	anchors := w.v.anchors.Anchors(anchorZone)

	var ksk *dns.DNSKEY

	for _, key := range keys {
		if key.Flags&revokeFlag != 0 {
			continue
		}

		for _, anchor := range anchors {
			if key.PublicKey == anchor.PublicKey &&
				key.Algorithm == anchor.Algorithm &&
				key.Flags == anchor.Flags {
				ksk = key

				break
			}
		}

		if ksk != nil {
			break
		}
	}

	if ksk == nil {
		return nil, failuref(anchorZone, ErrUntrustedKey, "no DNSKEY matches a configured trust anchor")
	}

	if err := w.v.verifySelfSignature(anchorZone, response.Answer, ksk); err != nil {
		return nil, err
	}

	w.trustedKeys[anchorZone] = keys

	return keys, nil
}

// verifyApexKeys validates a zone's DNSKEY RRset: one key must match a
// trusted DS digest, and that key must self-sign the whole RRset. All keys of
// the RRset become trusted on success, including ZSKs with other algorithms.
func (v *Validator) verifyApexKeys(
	zone string, keyResponse *dns.Msg, dsRecords []*dns.DS,
) ([]*dns.DNSKEY, error) {
	keys := wire.ExtractRecords[*dns.DNSKEY](keyResponse.Answer)
	if len(keys) == 0 {
		return nil, failuref(zone, ErrUntrustedKey, "zone returned no DNSKEY records")
	}

	ksk := findKSKMatchingDS(keys, dsRecords)
	if ksk == nil {
		return nil, failuref(zone, ErrUntrustedKey, "no DNSKEY digest matches a trusted DS record")
	}

	if err := v.verifySelfSignature(zone, keyResponse.Answer, ksk); err != nil {
		return nil, err
	}

	v.logger.Debugf("trusted DNSKEY set for %s (%d keys, KSK tag %d)", zone, len(keys), ksk.KeyTag())

	return keys, nil
}

// verifySelfSignature verifies the DNSKEY RRset self-signature with the KSK.
// Per RFC 4035 §2.2 the signer of a DNSKEY RRset must equal its owner.
func (v *Validator) verifySelfSignature(zone string, answer []dns.RR, ksk *dns.DNSKEY) error {
	var dnskeyRRset []dns.RR

	for _, rr := range answer {
		if rr.Header().Rrtype == dns.TypeDNSKEY {
			dnskeyRRset = append(dnskeyRRset, rr)
		}
	}

	var matching *dns.RRSIG

	for _, sig := range wire.ExtractRecords[*dns.RRSIG](answer) {
		if sig.TypeCovered == dns.TypeDNSKEY &&
			sig.KeyTag == ksk.KeyTag() &&
			sig.Algorithm == ksk.Algorithm &&
			dns.CanonicalName(sig.SignerName) == dns.CanonicalName(zone) {
			matching = sig

			break
		}
	}

	if matching == nil {
		return failuref(zone, ErrBadSignature, "DNSKEY RRset carries no self-signature by KSK tag %d", ksk.KeyTag())
	}

	return v.verifyRRSIG(dnskeyRRset, matching, ksk, zone)
}

// findKSKMatchingDS returns the first usable key whose digest matches a DS.
func findKSKMatchingDS(keys []*dns.DNSKEY, dsRecords []*dns.DS) *dns.DNSKEY {
	for _, key := range keys {
		// RFC 4034 §2.1.1: only zone keys sign; RFC 5011 §7: skip revoked.
		if key.Flags&dns.ZONE == 0 || key.Flags&revokeFlag != 0 {
			continue
		}

		for _, ds := range dsRecords {
			if key.Algorithm != ds.Algorithm {
				continue
			}

			computed := key.ToDS(ds.DigestType)
			if computed != nil && strings.EqualFold(computed.Digest, ds.Digest) {
				return key
			}
		}
	}

	return nil
}

// verifyWithKeys verifies an RRset against an already-trusted key set. The
// signer of every considered RRSIG must be the trusting zone.
func (v *Validator) verifyWithKeys(
	rrset []dns.RR, sigs []*dns.RRSIG, signerZone string, keys []*dns.DNSKEY, ownerName string,
) error {
	var attemptErrs error

	for _, sig := range sortByAlgorithmStrength(sigs) {
		if dns.CanonicalName(sig.SignerName) != dns.CanonicalName(signerZone) {
			attemptErrs = multierror.Append(attemptErrs,
				failuref(ownerName, ErrBadSignature, "signer %s is not %s", sig.SignerName, signerZone))

			continue
		}

		if err := v.verifyOneSignature(rrset, sig, keys, ownerName); err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)

			continue
		}

		return nil
	}

	return worstFailure(ownerName, attemptErrs)
}

// verifyRRsetChain verifies an RRset whose signer zone is taken from each
// RRSIG and validated through the chain of trust. Success requires one valid
// signature path, not unanimity.
func (v *Validator) verifyRRsetChain(
	ctx context.Context, walk *chainWalk, ownerName string,
	rrset []dns.RR, sigs []*dns.RRSIG, authority []dns.RR,
) error {
	var attemptErrs error

	for _, sig := range sortByAlgorithmStrength(sigs) {
		signer := dns.CanonicalName(sig.SignerName)

		// A zone can only sign names at or below its apex.
		if !dns.IsSubDomain(signer, ownerName) {
			attemptErrs = multierror.Append(attemptErrs,
				failuref(ownerName, ErrBadSignature, "signer %s cannot sign %s", signer, ownerName))

			continue
		}

		keys, err := walk.trustedKeysFor(ctx, signer)
		if err != nil {
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				return err // transport failure, not a security verdict
			}

			attemptErrs = multierror.Append(attemptErrs, err)

			continue
		}

		if err := v.checkWildcardExpansion(sig, ownerName, authority); err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)

			continue
		}

		if err := v.verifyOneSignature(rrset, sig, keys, ownerName); err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)

			continue
		}

		return nil
	}

	return worstFailure(ownerName, attemptErrs)
}

// zonePath lists the names from just below anchorZone down to zone,
// one label at a time. zonePath(".", "a.b.com.") = [com., b.com., a.b.com.].
func zonePath(anchorZone, zone string) []string {
	labels := dns.SplitDomainName(zone)
	skip := dns.CountLabel(anchorZone)

	var path []string

	current := dns.CanonicalName(anchorZone)
	for i := len(labels) - skip - 1; i >= 0; i-- {
		if current == "." {
			current = labels[i] + "."
		} else {
			current = labels[i] + "." + current
		}

		path = append(path, current)
	}

	return path
}
