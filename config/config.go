// Package config holds the resolver configuration and the per-network
// profiles (trust anchors and query suffix).
package config

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

// Network selects the Bitcoin network a resolver instance serves.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

// defaultQuerySuffix is the label infix between the user part and the domain,
// fixed by BIP-353.
const defaultQuerySuffix = "user._bitcoin-payment"

// NetworkProfile is the immutable per-network configuration. TrustAnchors are
// DNSKEY records in zone file format; an empty list selects the IANA root
// anchors. QuerySuffix overrides the BIP-353 label infix, which test networks
// use to keep records apart from mainnet ones.
type NetworkProfile struct {
	Network      Network
	TrustAnchors []string
	QuerySuffix  string
}

// Mainnet returns the mainnet profile with the IANA root trust anchors.
func Mainnet() NetworkProfile {
	return NetworkProfile{
		Network:     NetworkMainnet,
		QuerySuffix: defaultQuerySuffix,
	}
}

// Testnet returns the testnet profile. Custom trust anchors may be supplied
// for test deployments running their own signed root.
func Testnet(trustAnchors ...string) NetworkProfile {
	return NetworkProfile{
		Network:      NetworkTestnet,
		TrustAnchors: trustAnchors,
		QuerySuffix:  defaultQuerySuffix,
	}
}

// Regtest returns the regtest profile. Regtest setups normally sign their own
// zones, so trust anchors are expected here.
func Regtest(trustAnchors ...string) NetworkProfile {
	return NetworkProfile{
		Network:      NetworkRegtest,
		TrustAnchors: trustAnchors,
		QuerySuffix:  defaultQuerySuffix,
	}
}

// Config configures a resolver instance.
type Config struct {
	Profile NetworkProfile

	// Upstream is the DNS server queried for all records, "host:port".
	Upstream string `default:"1.1.1.1:53"`

	Timeout  time.Duration `default:"5s"`
	Attempts uint          `default:"3"`
	Cooldown time.Duration `default:"500ms"`

	CacheSize   uint          `default:"1024"`
	CacheMaxTTL time.Duration `default:"24h"`

	MaxChainDepth      uint          `default:"20"`
	MaxNSEC3Iterations uint          `default:"150"`
	MaxQueries         uint          `default:"30"`
	ClockSkewTolerance time.Duration `default:"5m"`
}

// WithDefaults fills unset fields with their defaults and validates the
// result.
func (c Config) WithDefaults() (Config, error) {
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("can't apply config defaults: %w", err)
	}

	if c.Profile.Network == "" {
		c.Profile = Mainnet()
	}

	if c.Profile.QuerySuffix == "" {
		c.Profile.QuerySuffix = defaultQuerySuffix
	}

	if c.Profile.Network != NetworkMainnet && len(c.Profile.TrustAnchors) == 0 {
		return c, fmt.Errorf("network %q requires explicit trust anchors", c.Profile.Network)
	}

	return c, nil
}
