// Package helpertest contains test helpers: a canned-response DNS client and
// a signed zone builder for chain of trust fixtures.
package helpertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/dns"
)

// StaticClient is a transport.Client serving canned responses from memory.
// Unconfigured queries receive an empty NOERROR response. It records every
// question it sees, in order.
type StaticClient struct {
	mu        sync.Mutex
	responses map[string]*dns.Msg
	queries   []string
}

func NewStaticClient() *StaticClient {
	return &StaticClient{
		responses: make(map[string]*dns.Msg),
	}
}

func queryKey(name string, qtype uint16) string {
	return fmt.Sprintf("%s/%s", dns.CanonicalName(name), dns.TypeToString[qtype])
}

// Respond installs the response for name/qtype.
func (c *StaticClient) Respond(name string, qtype uint16, msg *dns.Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.responses[queryKey(name, qtype)] = msg
}

// Exchange implements transport.Client.
func (c *StaticClient) Exchange(_ context.Context, msg *dns.Msg) (*dns.Msg, error) {
	q := msg.Question[0]
	key := queryKey(q.Name, q.Qtype)

	c.mu.Lock()
	c.queries = append(c.queries, key)
	canned := c.responses[key]
	c.mu.Unlock()

	if canned == nil {
		empty := new(dns.Msg)
		empty.SetReply(msg)

		return empty, nil
	}

	response := canned.Copy()
	response.Id = msg.Id

	return response, nil
}

// Queries returns all questions seen so far as "name/TYPE" strings.
func (c *StaticClient) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.queries...)
}

// QueryCount returns the number of questions seen so far.
func (c *StaticClient) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queries)
}

// Response builds a message with the given rcode, answer and authority
// sections.
func Response(rcode int, answer, authority []dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Rcode = rcode
	msg.Response = true
	msg.Answer = answer
	msg.Ns = authority

	return msg
}

// TXT builds a TXT record.
func TXT(name string, ttl uint32, values ...string) *dns.TXT {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Txt: values,
	}
}

// NSEC builds an NSEC record spanning owner to next with the given types.
func NSEC(owner, next string, ttl uint32, types ...uint16) *dns.NSEC {
	return &dns.NSEC{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(owner),
			Rrtype: dns.TypeNSEC,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		NextDomain: dns.Fqdn(next),
		TypeBitMap: types,
	}
}

// NSEC3 builds an NSEC3 record. ownerHash and nextHash are base32hex hash
// labels; the owner name becomes "<ownerHash>.<zone>".
func NSEC3(ownerHash, nextHash, zone string, iterations uint16, ttl uint32, types ...uint16) *dns.NSEC3 {
	return &dns.NSEC3{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(ownerHash + "." + zone),
			Rrtype: dns.TypeNSEC3,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Hash:       dns.SHA1,
		Flags:      0,
		Iterations: iterations,
		Salt:       "",
		HashLength: 20,
		NextDomain: nextHash,
		TypeBitMap: types,
	}
}
