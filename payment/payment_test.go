package payment_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/btcpayd/bip353/payment"
)

var _ = Describe("Parse", func() {
	const (
		onchainAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
		offer       = "lno1pgqcq2swfcty33337few75freqrqyppt4rr"
		invoice     = "lnbc10u1p3pj257pp5yztkwjcz5ftl5laxkav23zmzekaw37zk6kmv80pk4xaev5qhtz7q"
		spCode      = "sp1qqgste7k9hx0qftg6qmwlkqtwuy6cycyavzmzj85c6qdfhjdpdjtdgqjuexzk6murw56suy3e0rd2cgqvycxttddwsvgxe2usfpxumr70xc9pkqwv"
	)

	When("the payload carries a BOLT12 offer", func() {
		It("classifies it as a reusable lightning offer", func() {
			d, err := payment.Parse("bitcoin:?lno=" + offer)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeLightningOffer))
			Expect(d.IsReusable).Should(BeTrue())
			Expect(d.Address).Should(BeEmpty())

			value, ok := d.Params.Get("lno")
			Expect(ok).Should(BeTrue())
			Expect(value).Should(Equal(offer))
		})
	})

	When("the payload carries a BOLT11 invoice", func() {
		It("classifies it as a single-use lightning invoice", func() {
			d, err := payment.Parse("bitcoin:?lightning=" + invoice)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeLightningInvoice))
			Expect(d.IsReusable).Should(BeFalse())
		})
	})

	When("the payload carries a silent payment code", func() {
		It("classifies the sp parameter as reusable", func() {
			d, err := payment.Parse("bitcoin:?sp=" + spCode)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeSilentPayment))
			Expect(d.IsReusable).Should(BeTrue())
		})

		It("classifies an sp1 address body as reusable", func() {
			d, err := payment.Parse("bitcoin:" + spCode)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeSilentPayment))
			Expect(d.IsReusable).Should(BeTrue())
		})
	})

	When("the payload carries only an on-chain address", func() {
		It("classifies it as reusable on-chain", func() {
			d, err := payment.Parse("bitcoin:" + onchainAddr)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeOnChain))
			Expect(d.IsReusable).Should(BeTrue())
			Expect(d.Address).Should(Equal(onchainAddr))
		})
	})

	When("several payment methods are present", func() {
		It("prefers the offer over the invoice and the address", func() {
			d, err := payment.Parse("bitcoin:" + onchainAddr +
				"?lightning=" + invoice + "&lno=" + offer)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeLightningOffer))
		})

		It("prefers the invoice over the address", func() {
			d, err := payment.Parse("bitcoin:" + onchainAddr + "?lightning=" + invoice)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeLightningInvoice))
			Expect(d.Address).Should(Equal(onchainAddr))
		})
	})

	When("no payment method is recognized", func() {
		It("succeeds with an unknown type", func() {
			d, err := payment.Parse("bitcoin:?future=1")
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeUnknown))
			Expect(d.IsReusable).Should(BeFalse())
		})
	})

	When("the payload is malformed", func() {
		DescribeTable("it is rejected",
			func(payload string, sentinel error) {
				_, err := payment.Parse(payload)
				Expect(err).Should(MatchError(sentinel))
			},
			Entry("missing scheme", "lightning:"+invoice, payment.ErrInvalidPayload),
			Entry("wrong scheme case", "BITCOIN:"+onchainAddr, payment.ErrInvalidPayload),
			Entry("address with invalid characters", "bitcoin:not valid!", payment.ErrInvalidPayload),
			Entry("duplicate parameter", "bitcoin:?lno=a&lno=b", payment.ErrDuplicateParameter),
			Entry("unknown required parameter", "bitcoin:?req-future=1", payment.ErrUnsupportedRequiredParameter),
			Entry("empty parameter key", "bitcoin:?=x", payment.ErrInvalidPayload),
			Entry("broken percent encoding", "bitcoin:?label=%zz", payment.ErrInvalidPayload),
		)

		It("matches the umbrella sentinel for every rejection", func() {
			_, err := payment.Parse("bitcoin:?lno=a&lno=b")
			Expect(err).Should(MatchError(payment.ErrInvalidPayload))
		})
	})

	Describe("parameter handling", func() {
		It("preserves parameter order", func() {
			d, err := payment.Parse("bitcoin:?b=2&a=1&c=3")
			Expect(err).Should(Succeed())

			keys := make([]string, 0, len(d.Params))
			for _, p := range d.Params {
				keys = append(keys, p.Key)
			}

			Expect(keys).Should(Equal([]string{"b", "a", "c"}))
		})

		It("preserves unknown parameters", func() {
			d, err := payment.Parse("bitcoin:" + onchainAddr + "?somethingyoudontunderstand=50&amount=1")
			Expect(err).Should(Succeed())
			Expect(d.Params.Has("somethingyoudontunderstand")).Should(BeTrue())
			Expect(d.Params.Has("amount")).Should(BeTrue())
		})

		It("decodes percent encoded values", func() {
			d, err := payment.Parse("bitcoin:" + onchainAddr + "?label=coffee%20beans")
			Expect(err).Should(Succeed())

			value, _ := d.Params.Get("label")
			Expect(value).Should(Equal("coffee beans"))
		})

		It("treats parameter keys case-insensitively", func() {
			d, err := payment.Parse("bitcoin:?LNO=" + offer)
			Expect(err).Should(Succeed())
			Expect(d.Type).Should(Equal(payment.TypeLightningOffer))
		})
	})

	It("is deterministic for the same payload", func() {
		payload := "bitcoin:" + onchainAddr + "?lightning=" + invoice

		first, err := payment.Parse(payload)
		Expect(err).Should(Succeed())
		second, err := payment.Parse(payload)
		Expect(err).Should(Succeed())
		Expect(first).Should(Equal(second))
	})
})

var _ = Describe("Type", func() {
	DescribeTable("String",
		func(t payment.Type, expected string) {
			Expect(t.String()).Should(Equal(expected))
		},
		Entry("on-chain", payment.TypeOnChain, "on-chain"),
		Entry("lightning", payment.TypeLightningInvoice, "lightning"),
		Entry("lightning-offer", payment.TypeLightningOffer, "lightning-offer"),
		Entry("silent-payment", payment.TypeSilentPayment, "silent-payment"),
		Entry("unknown", payment.TypeUnknown, "unknown"),
	)
})
