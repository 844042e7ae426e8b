// Package payment decodes validated BIP-353 TXT payloads into typed payment
// descriptors.
//
// The payload is a BIP-21 style URI ("bitcoin:..." ) that may carry an
// on-chain address, a BOLT11 invoice, a BOLT12 offer or a silent payment
// code, plus arbitrary query parameters. Parsing is strict: the payload was
// attacker-influenced until DNSSEC validation, but its content is still only
// as trustworthy as the zone operator.
package payment

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Payload rejections. Both specific errors match ErrInvalidPayload.
var (
	// ErrInvalidPayload is returned for any payload that is not a
	// well-formed bitcoin: URI.
	ErrInvalidPayload = errors.New("invalid payment instruction payload")

	// ErrDuplicateParameter is returned when a query parameter key occurs
	// more than once.
	ErrDuplicateParameter = fmt.Errorf("%w: duplicate parameter", ErrInvalidPayload)

	// ErrUnsupportedRequiredParameter is returned for unknown parameters
	// carrying the mandatory "req-" prefix.
	ErrUnsupportedRequiredParameter = fmt.Errorf("%w: unsupported required parameter", ErrInvalidPayload)
)

const uriScheme = "bitcoin:"

// Parameter names defined by BIP-21 and its Lightning/silent payment
// extensions.
const (
	paramLightning     = "lightning"
	paramOffer         = "lno"
	paramSilentPayment = "sp"
)

// Type classifies a payment instruction.
type Type int

const (
	// TypeUnknown is a successful result for payloads carrying none of the
	// recognized payment methods; callers decide whether to accept it.
	TypeUnknown Type = iota
	TypeOnChain
	TypeLightningInvoice
	TypeLightningOffer
	TypeSilentPayment
)

func (t Type) String() string {
	switch t {
	case TypeOnChain:
		return "on-chain"
	case TypeLightningInvoice:
		return "lightning"
	case TypeLightningOffer:
		return "lightning-offer"
	case TypeSilentPayment:
		return "silent-payment"
	default:
		return "unknown"
	}
}

// Param is a single URI query parameter.
type Param struct {
	Key   string
	Value string
}

// Params preserves first-seen parameter order; keys are unique.
type Params []Param

// Get returns the value for key and whether it is present.
func (p Params) Get(key string) (string, bool) {
	for _, param := range p {
		if param.Key == key {
			return param.Value, true
		}
	}

	return "", false
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.Get(key)

	return ok
}

// Descriptor is the typed, immutable result of parsing a payment
// instruction. It is owned by the caller after return.
type Descriptor struct {
	// URI is the full original payload.
	URI string

	Type Type

	// IsReusable is true exactly for static, re-derivable instructions
	// (an address, an offer, a silent payment code) and false for
	// single-use ones (a BOLT11 invoice). Paying a single-use instruction
	// twice is a protocol misuse this flag helps prevent.
	IsReusable bool

	// Address is the on-chain destination from the URI body, may be empty.
	Address string

	Params Params
}

// Clone returns a copy with its own parameter slice, so mutating the result
// cannot affect the original.
func (d *Descriptor) Clone() *Descriptor {
	clone := *d
	clone.Params = slices.Clone(d.Params)

	return &clone
}

// Parse decodes a TXT payload into a Descriptor. It is pure: the same
// payload always yields an identical descriptor.
func Parse(payload string) (*Descriptor, error) {
	if !strings.HasPrefix(payload, uriScheme) {
		return nil, fmt.Errorf("%w: missing %q scheme", ErrInvalidPayload, uriScheme)
	}

	body := payload[len(uriScheme):]

	address := body
	query := ""

	if idx := strings.Index(body, "?"); idx >= 0 {
		address = body[:idx]
		query = body[idx+1:]
	}

	if address != "" && !validAddressSyntax(address) {
		return nil, fmt.Errorf("%w: malformed address part", ErrInvalidPayload)
	}

	params, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	descriptor := &Descriptor{
		URI:     payload,
		Address: address,
		Params:  params,
	}

	descriptor.Type, descriptor.IsReusable = classify(address, params)

	return descriptor, nil
}

// parseQuery splits the query string preserving parameter order. Duplicate
// keys are rejected; unknown keys are preserved for forward compatibility
// unless they carry the mandatory "req-" prefix.
func parseQuery(query string) (Params, error) {
	if query == "" {
		return nil, nil
	}

	var params Params

	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}

		key := pair
		rawValue := ""

		if idx := strings.Index(pair, "="); idx >= 0 {
			key = pair[:idx]
			rawValue = pair[idx+1:]
		}

		key = strings.ToLower(key)
		if key == "" {
			return nil, fmt.Errorf("%w: empty parameter key", ErrInvalidPayload)
		}

		if params.Has(key) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, key)
		}

		if rest, mandatory := strings.CutPrefix(key, "req-"); mandatory && !isRecognizedParam(rest) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedRequiredParameter, key)
		}

		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q has invalid encoding", ErrInvalidPayload, key)
		}

		params = append(params, Param{Key: key, Value: value})
	}

	return params, nil
}

// isRecognizedParam lists the parameters this library understands. None of
// them is understood in mandatory ("req-") form, so a recognized base name
// does not rescue a req- parameter; the list exists to keep the check in one
// place should a future req- parameter become supported.
func isRecognizedParam(string) bool {
	return false
}

// classify determines the payment type by priority: offer, invoice, silent
// payment, on-chain address; anything else is TypeUnknown.
func classify(address string, params Params) (Type, bool) {
	if value, ok := params.Get(paramOffer); ok && value != "" {
		return TypeLightningOffer, true
	}

	if value, ok := params.Get(paramLightning); ok && value != "" {
		return TypeLightningInvoice, false
	}

	if value, ok := params.Get(paramSilentPayment); ok && value != "" {
		return TypeSilentPayment, true
	}

	if strings.HasPrefix(strings.ToLower(address), "sp1") {
		return TypeSilentPayment, true
	}

	if address != "" {
		return TypeOnChain, true
	}

	return TypeUnknown, false
}

// validAddressSyntax performs a light syntactic check on the URI body:
// base58 or bech32 charset. Full address validation belongs to the wallet
// consuming the descriptor.
func validAddressSyntax(address string) bool {
	for _, r := range address {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}

	return len(address) >= 4
}
