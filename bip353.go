// Package bip353 resolves human readable Bitcoin payment addresses
// ("user@domain") into verified payment instructions per BIP-353.
//
// A resolution queries the TXT record at
// "<user>.user._bitcoin-payment.<domain>", validates the full DNSSEC chain
// of trust from a root trust anchor down to the answer, and parses the
// payload into a typed payment descriptor. Unvalidated answers are never
// returned: a broken or missing chain is an error, not a downgrade.
package bip353

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/btcpayd/bip353/address"
	"github.com/btcpayd/bip353/cache/expirationcache"
	"github.com/btcpayd/bip353/config"
	"github.com/btcpayd/bip353/dnssec"
	"github.com/btcpayd/bip353/log"
	"github.com/btcpayd/bip353/payment"
	"github.com/btcpayd/bip353/transport"
	"github.com/btcpayd/bip353/wire"
)

// Resolver resolves payment addresses for a single network profile. It is
// safe for concurrent use; concurrent resolutions of the same address are
// coalesced into one upstream query sequence.
type Resolver struct {
	cfg       config.Config
	upstream  transport.Client
	validator *dnssec.Validator
	cache     *expirationcache.ExpiringLRUCache[payment.Descriptor]
	group     singleflight.Group
	logger    *logrus.Entry
}

type Option func(r *Resolver)

// WithTransport replaces the UDP/TCP upstream client, mainly for tests.
func WithTransport(client transport.Client) Option {
	return func(r *Resolver) {
		r.upstream = client
	}
}

// New creates a resolver. The context bounds the lifetime of the cache
// cleanup goroutine.
func New(ctx context.Context, cfg config.Config, options ...Option) (*Resolver, error) {
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, err
	}

	anchors, err := dnssec.NewTrustAnchorStore(cfg.Profile.TrustAnchors)
	if err != nil {
		return nil, fmt.Errorf("can't load trust anchors: %w", err)
	}

	r := &Resolver{
		cfg: cfg,
		cache: expirationcache.NewCache(ctx,
			expirationcache.WithMaxSize[payment.Descriptor](cfg.CacheSize)),
		logger: log.PrefixedLog("bip353"),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.upstream == nil {
		r.upstream = transport.NewUpstreamClient(cfg.Upstream,
			transport.WithTimeout(cfg.Timeout),
			transport.WithAttempts(cfg.Attempts),
			transport.WithCooldown(cfg.Cooldown))
	}

	r.validator = dnssec.NewValidator(r.upstream, anchors, dnssec.Limits{
		MaxChainDepth:      cfg.MaxChainDepth,
		MaxNSEC3Iterations: cfg.MaxNSEC3Iterations,
		MaxQueries:         cfg.MaxQueries,
		ClockSkewTolerance: cfg.ClockSkewTolerance,
	})

	return r, nil
}

// ResolveAddress parses raw ("user@domain", optionally prefixed with the ₿
// glyph) and resolves it.
func (r *Resolver) ResolveAddress(ctx context.Context, raw string) (*payment.Descriptor, error) {
	addr, err := address.Parse(raw)
	if err != nil {
		return nil, err
	}

	return r.resolve(ctx, addr)
}

// Resolve resolves the payment instruction for user at domain.
func (r *Resolver) Resolve(ctx context.Context, user, domain string) (*payment.Descriptor, error) {
	addr, err := address.Parse(user + "@" + domain)
	if err != nil {
		return nil, err
	}

	return r.resolve(ctx, addr)
}

func (r *Resolver) resolve(ctx context.Context, addr address.Address) (*payment.Descriptor, error) {
	key := addr.String()

	if cached, _ := r.cache.Get(key); cached != nil {
		cacheHitsTotal.Inc()
		r.logger.Debugf("cache hit for %s", log.EscapeInput(key))

		return cached.Clone(), nil
	}

	result, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolveUncached(ctx, addr)
	})
	if err != nil {
		return nil, err
	}

	// Callers own their descriptor; the cached one stays untouched.
	return result.(*payment.Descriptor).Clone(), nil
}

func (r *Resolver) resolveUncached(ctx context.Context, addr address.Address) (*payment.Descriptor, error) {
	start := time.Now()

	descriptor, ttl, err := r.lookup(ctx, addr)
	if err != nil {
		resolutionsTotal.WithLabelValues(resultFor(err)).Inc()

		return nil, err
	}

	resolutionDuration.Observe(time.Since(start).Seconds())
	resolutionsTotal.WithLabelValues(resultOK).Inc()

	r.cache.Put(addr.String(), descriptor, ttl)

	return descriptor, nil
}

func (r *Resolver) lookup(ctx context.Context, addr address.Address) (*payment.Descriptor, time.Duration, error) {
	qname := r.queryName(addr)

	response, err := r.upstream.Exchange(ctx, wire.NewQuery(qname, dns.TypeTXT))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}

	verified, err := r.validator.Validate(ctx, qname, dns.TypeTXT, response)
	if err != nil {
		// A transport failure during the chain walk is an availability
		// problem, not a security verdict.
		var valErr *dnssec.ValidationError
		if !errors.As(err, &valErr) {
			err = fmt.Errorf("%w: %w", ErrResolutionFailed, err)
		}

		return nil, 0, err
	}

	if !verified.NameExists {
		return nil, 0, fmt.Errorf("%w: %s", ErrDomainNotFound, addr)
	}

	payload, err := paymentPayload(verified.Records)
	if err != nil {
		return nil, 0, err
	}

	descriptor, err := payment.Parse(payload)
	if err != nil {
		return nil, 0, err
	}

	r.logger.WithFields(logrus.Fields{
		"address": log.EscapeInput(addr.String()),
		"type":    descriptor.Type.String(),
		"ttl_s":   verified.MinTTL,
	}).Info("resolved payment address")

	return descriptor, r.cacheTTL(verified.MinTTL), nil
}

// queryName builds the BIP-353 query name for addr. User labels are used
// verbatim; address.Parse already restricted them to DNS safe characters.
func (r *Resolver) queryName(addr address.Address) string {
	return dns.Fqdn(addr.User + "." + r.cfg.Profile.QuerySuffix + "." + addr.Domain)
}

// paymentPayload extracts the single payment instruction from the validated
// TXT RRset. BIP-353 requires exactly one TXT record carrying a bitcoin: URI;
// zero or several is a publishing error the resolver must reject.
func paymentPayload(records []dns.RR) (string, error) {
	var payloads []string

	for _, txt := range wire.ExtractRecords[*dns.TXT](records) {
		joined := wire.JoinTXT(txt)
		if strings.HasPrefix(joined, "bitcoin:") {
			payloads = append(payloads, joined)
		}
	}

	switch len(payloads) {
	case 1:
		return payloads[0], nil
	case 0:
		return "", fmt.Errorf("%w: validated TXT RRset carries no payment instruction",
			payment.ErrInvalidPayload)
	default:
		return "", fmt.Errorf("%w: %d payment instruction records, expected exactly one",
			payment.ErrInvalidPayload, len(payloads))
	}
}

// cacheTTL caps the record TTL at the configured maximum.
func (r *Resolver) cacheTTL(recordTTL uint32) time.Duration {
	ttl := time.Duration(recordTTL) * time.Second
	if ttl > r.cfg.CacheMaxTTL {
		ttl = r.cfg.CacheMaxTTL
	}

	return ttl
}

// InvalidateCache drops the cached descriptor for raw, if any.
func (r *Resolver) InvalidateCache(raw string) error {
	addr, err := address.Parse(raw)
	if err != nil {
		return err
	}

	r.cache.Remove(addr.String())

	return nil
}

// ClearCache drops all cached descriptors.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
}

// CacheCount returns the number of cached descriptors, including expired
// entries not yet cleaned up.
func (r *Resolver) CacheCount() int {
	return r.cache.TotalCount()
}

func resultFor(err error) string {
	var valErr *dnssec.ValidationError

	switch {
	case errors.Is(err, ErrDomainNotFound):
		return resultNotFound
	case errors.As(err, &valErr):
		return resultValidationFailed
	case errors.Is(err, transport.ErrTransportExhausted):
		return resultTransportFailed
	case errors.Is(err, payment.ErrInvalidPayload):
		return resultInvalidPayload
	default:
		return "error"
	}
}
