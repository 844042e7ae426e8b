// Package transport sends DNS messages to a configured server over UDP with
// TCP retry on truncation. It is the only component performing network I/O;
// the resolution engine depends on the Client interface alone.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/btcpayd/bip353/log"
	"github.com/btcpayd/bip353/wire"
)

// ErrTransportExhausted is returned once the retry budget is spent.
var ErrTransportExhausted = errors.New("DNS transport retry budget exhausted")

const (
	defaultTimeout  = 5 * time.Second
	defaultAttempts = uint(3)
	defaultCooldown = 500 * time.Millisecond
)

// Client is the transport capability consumed by the resolution engine.
type Client interface {
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// TransientError represents a temporary error like timeout, network errors...
type TransientError struct {
	inner error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("temporary network error: %s", e.inner)
}

func (e *TransientError) Unwrap() error {
	return e.inner
}

// UpstreamClient exchanges DNS messages with a single upstream server.
type UpstreamClient struct {
	server    string
	udpClient *dns.Client
	tcpClient *dns.Client
	attempts  uint
	cooldown  time.Duration
	logger    *logrus.Entry
}

type Option func(c *UpstreamClient)

// WithTimeout sets the per-attempt exchange timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *UpstreamClient) {
		c.udpClient.Timeout = timeout
		c.tcpClient.Timeout = timeout
	}
}

// WithAttempts sets the retry budget.
func WithAttempts(attempts uint) Option {
	return func(c *UpstreamClient) {
		c.attempts = attempts
	}
}

// WithCooldown sets the base delay between attempts (exponential backoff).
func WithCooldown(cooldown time.Duration) Option {
	return func(c *UpstreamClient) {
		c.cooldown = cooldown
	}
}

// NewUpstreamClient creates a client for the given server ("host:port").
func NewUpstreamClient(server string, options ...Option) *UpstreamClient {
	c := &UpstreamClient{
		server:    server,
		udpClient: &dns.Client{Net: "udp", Timeout: defaultTimeout, UDPSize: dns.DefaultMsgSize},
		tcpClient: &dns.Client{Net: "tcp", Timeout: defaultTimeout},
		attempts:  defaultAttempts,
		cooldown:  defaultCooldown,
		logger:    log.PrefixedLog("transport"),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Exchange sends msg and returns the response, falling back to TCP when the
// UDP response is truncated. Transient network errors are retried with
// exponential backoff until the attempt budget is exhausted.
func (c *UpstreamClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var response *dns.Msg

	err := retry.Do(
		func() error {
			resp, rtt, err := c.udpClient.ExchangeContext(ctx, msg, c.server)
			if err == nil && resp.Truncated {
				c.logger.Debugf("UDP response truncated, retrying over TCP: %s", questionName(msg))
				resp, rtt, err = c.tcpClient.ExchangeContext(ctx, msg, c.server)
			}

			if err != nil {
				return classifyError(err)
			}

			c.logger.WithFields(logrus.Fields{
				"question":         questionName(msg),
				"return_code":      dns.RcodeToString[resp.Rcode],
				"server":           c.server,
				"response_time_ms": rtt.Milliseconds(),
			}).Debug("received response from upstream")

			response = resp

			return nil
		},
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cooldown),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var transientErr *TransientError

			return errors.As(err, &transientErr)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WithField("attempt", fmt.Sprintf("%d/%d", n+1, c.attempts)).
				Debugf("query %s failed: %s", questionName(msg), err)
		}),
	)
	if err != nil {
		var transientErr *TransientError
		if errors.As(err, &transientErr) {
			return nil, fmt.Errorf("%w: %v", ErrTransportExhausted, err)
		}

		return nil, err
	}

	return response, nil
}

// classifyError sorts an exchange error into the retry policy: network
// problems are transient and worth another attempt, while a response that
// cannot be decoded is a protocol failure where every attempt returns the
// same broken bytes.
func classifyError(err error) error {
	var dnsErr *dns.Error
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", wire.ErrMalformedMessage, err)
	}

	return &TransientError{inner: err}
}

func questionName(msg *dns.Msg) string {
	if len(msg.Question) == 0 {
		return "<no question>"
	}

	q := msg.Question[0]

	return fmt.Sprintf("%s/%s", q.Name, dns.TypeToString[q.Qtype])
}
