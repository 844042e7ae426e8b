package bip353_test

import (
	"context"
	"errors"
	"sync"

	"github.com/miekg/dns"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/btcpayd/bip353"
	"github.com/btcpayd/bip353/config"
	"github.com/btcpayd/bip353/dnssec"
	"github.com/btcpayd/bip353/helpertest"
	"github.com/btcpayd/bip353/payment"
)

// failingClient simulates an unreachable upstream.
type failingClient struct{}

func (failingClient) Exchange(context.Context, *dns.Msg) (*dns.Msg, error) {
	return nil, errors.New("network is down")
}

// chainFailingClient answers TXT queries but fails everything else, so the
// validator's own DNSKEY and DS fetches hit a dead upstream.
type chainFailingClient struct {
	inner *helpertest.StaticClient
}

func (c chainFailingClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if msg.Question[0].Qtype == dns.TypeTXT {
		return c.inner.Exchange(ctx, msg)
	}

	return nil, errors.New("network is down")
}

var _ = Describe("Resolver", func() {
	const (
		qname = "alice.user._bitcoin-payment.example.com."
		offer = "lno1pgqcq2swfcty33337few75freqrqyppt4rr"
	)

	var (
		ctx context.Context

		client   *helpertest.StaticClient
		root     *helpertest.Zone
		example  *helpertest.Zone
		resolver *bip353.Resolver
	)

	publishTXT := func(payloads ...string) {
		var records []dns.RR
		for _, payload := range payloads {
			records = append(records, helpertest.TXT(qname, 1800, payload))
		}

		records = append(records, example.Sign(records...))
		client.Respond(qname, dns.TypeTXT,
			helpertest.Response(dns.RcodeSuccess, records, nil))
	}

	BeforeEach(func() {
		ctx = context.Background()

		client = helpertest.NewStaticClient()
		root = helpertest.NewZone(".")
		com := helpertest.NewZone("com.")
		example = helpertest.NewZone("example.com.")
		helpertest.BuildChain(client, root, com, example)

		var err error
		resolver, err = bip353.New(ctx,
			config.Config{Profile: config.Regtest(root.AnchorString())},
			bip353.WithTransport(client))
		Expect(err).Should(Succeed())
	})

	When("a lightning offer is published", func() {
		BeforeEach(func() {
			publishTXT("bitcoin:?lno=" + offer)
		})

		It("resolves it end to end", func() {
			descriptor, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())
			Expect(descriptor.Type).Should(Equal(payment.TypeLightningOffer))
			Expect(descriptor.IsReusable).Should(BeTrue())
			Expect(descriptor.URI).Should(Equal("bitcoin:?lno=" + offer))
		})

		It("accepts the full identifier with the currency glyph", func() {
			descriptor, err := resolver.ResolveAddress(ctx, "₿alice@example.com")
			Expect(err).Should(Succeed())
			Expect(descriptor.Type).Should(Equal(payment.TypeLightningOffer))
		})

		It("serves repeated resolutions from the cache", func() {
			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())

			queriesAfterFirst := client.QueryCount()

			_, err = resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())
			Expect(client.QueryCount()).Should(Equal(queriesAfterFirst))
			Expect(resolver.CacheCount()).Should(Equal(1))
		})

		It("keeps the cached descriptor isolated from caller mutation", func() {
			first, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())

			first.URI = "bitcoin:?lno=mangled"
			first.Params[0].Value = "mangled"

			second, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())
			Expect(second.URI).Should(Equal("bitcoin:?lno=" + offer))
			Expect(second.Params[0].Value).Should(Equal(offer))
		})

		It("queries again after cache invalidation", func() {
			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())

			queriesAfterFirst := client.QueryCount()

			Expect(resolver.InvalidateCache("alice@example.com")).Should(Succeed())

			_, err = resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())
			Expect(client.QueryCount()).Should(BeNumerically(">", queriesAfterFirst))
		})

		It("queries again after the cache is cleared", func() {
			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())

			resolver.ClearCache()
			Expect(resolver.CacheCount()).Should(BeZero())
		})

		It("coalesces concurrent resolutions into one query sequence", func() {
			var wg sync.WaitGroup

			start := make(chan struct{})

			for i := 0; i < 10; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					<-start

					descriptor, err := resolver.Resolve(ctx, "alice", "example.com")
					Expect(err).Should(Succeed())
					Expect(descriptor.Type).Should(Equal(payment.TypeLightningOffer))
				}()
			}

			close(start)
			wg.Wait()

			// One TXT query plus the five chain queries.
			Expect(client.QueryCount()).Should(Equal(6))
		})
	})

	When("no instruction is published for the address", func() {
		It("returns domain not found on an authenticated NXDOMAIN", func() {
			span := helpertest.NSEC("!.example.com.", "zzz.example.com.", 300,
				dns.TypeSOA, dns.TypeNS)
			client.Respond(qname, dns.TypeTXT,
				helpertest.Response(dns.RcodeNameError, nil,
					[]dns.RR{span, example.Sign(span)}))

			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(bip353.ErrDomainNotFound))
		})

		It("returns domain not found on an authenticated NODATA", func() {
			noData := helpertest.NSEC(qname, "zzz.example.com.", 300, dns.TypeA)
			client.Respond(qname, dns.TypeTXT,
				helpertest.Response(dns.RcodeSuccess, nil,
					[]dns.RR{noData, example.Sign(noData)}))

			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(bip353.ErrDomainNotFound))
		})
	})

	When("the published record is unusable", func() {
		It("rejects several payment instruction records", func() {
			publishTXT("bitcoin:?lno="+offer, "bitcoin:?lno=anotherone")

			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(payment.ErrInvalidPayload))
		})

		It("rejects a TXT RRset without a payment instruction", func() {
			publishTXT("v=spf1 -all")

			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(payment.ErrInvalidPayload))
		})

		It("accepts an instruction with only unrecognized methods", func() {
			publishTXT("bitcoin:?future=1")

			descriptor, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(Succeed())
			Expect(descriptor.Type).Should(Equal(payment.TypeUnknown))
		})
	})

	When("the chain of trust is broken", func() {
		It("surfaces the typed validation failure", func() {
			txt := helpertest.TXT(qname, 1800, "bitcoin:?lno="+offer)
			sig := example.Sign(txt)
			txt.Txt[0] = "bitcoin:?lno=attacker"
			client.Respond(qname, dns.TypeTXT,
				helpertest.Response(dns.RcodeSuccess, []dns.RR{txt, sig}, nil))

			_, err := resolver.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(dnssec.ErrBadSignature))

			var valErr *dnssec.ValidationError
			Expect(errors.As(err, &valErr)).Should(BeTrue())
		})
	})

	When("the upstream is unreachable", func() {
		It("returns a resolution failure", func() {
			failing, err := bip353.New(ctx,
				config.Config{Profile: config.Regtest(root.AnchorString())},
				bip353.WithTransport(failingClient{}))
			Expect(err).Should(Succeed())

			_, err = failing.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(bip353.ErrResolutionFailed))
		})

		It("reports transport failures during the chain walk as resolution failures", func() {
			publishTXT("bitcoin:?lno=" + offer)

			flaky, err := bip353.New(ctx,
				config.Config{Profile: config.Regtest(root.AnchorString())},
				bip353.WithTransport(chainFailingClient{inner: client}))
			Expect(err).Should(Succeed())

			_, err = flaky.Resolve(ctx, "alice", "example.com")
			Expect(err).Should(MatchError(bip353.ErrResolutionFailed))
		})
	})

	When("the identifier is invalid", func() {
		It("rejects it before any network traffic", func() {
			_, err := resolver.ResolveAddress(ctx, "not-an-address")
			Expect(err).ShouldNot(Succeed())
			Expect(client.QueryCount()).Should(BeZero())
		})
	})

	When("trust anchors are missing off mainnet", func() {
		It("refuses to construct the resolver", func() {
			_, err := bip353.New(ctx, config.Config{Profile: config.Regtest()})
			Expect(err).ShouldNot(Succeed())
		})
	})

	When("no profile is configured", func() {
		It("falls back to the mainnet profile", func() {
			resolver, err := bip353.New(ctx, config.Config{},
				bip353.WithTransport(client))
			Expect(err).Should(Succeed())
			Expect(resolver).ShouldNot(BeNil())
		})
	})
})
