// Package dnsclient queries a configured nameserver directly with
// github.com/miekg/dns. Errors are reported as *net.DNSError so callers
// handle it and net.Resolver the same way.
package dnsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Client sends single-question queries to one nameserver.
type Client struct {
	nameserver string
	client     *dns.Client
}

// New creates a client for nameserver ("host" or "host:port"). timeout
// bounds each exchange; a shorter ctx deadline wins.
func New(nameserver string, timeout time.Duration) *Client {
	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}
	return &Client{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// FromResolvConf creates a client for the first nameserver listed in a
// resolv.conf style file, usually /etc/resolv.conf.
func FromResolvConf(path string, timeout time.Duration) (*Client, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(cc.Servers) == 0 {
		return nil, fmt.Errorf("no nameserver in %s", path)
	}
	return New(net.JoinHostPort(cc.Servers[0], cc.Port), timeout), nil
}

// Nameserver returns the host:port queries are sent to.
func (c *Client) Nameserver() string { return c.nameserver }

// LookupMX returns the MX records of name. A NOERROR reply without
// records yields an empty slice and no error.
func (c *Client) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	in, err := c.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []*net.MX
	for _, rr := range in.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	return out, nil
}

// LookupHost returns the A and AAAA addresses of name.
func (c *Client) LookupHost(ctx context.Context, name string) ([]string, error) {
	v4, err4 := c.LookupA(ctx, name)
	if err4 != nil && isNotFound(err4) {
		return nil, err4
	}
	in, err6 := c.exchange(ctx, name, dns.TypeAAAA)
	var v6 []string
	if err6 == nil {
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.AAAA); ok {
				v6 = append(v6, a.AAAA.String())
			}
		}
	}
	addrs := append(v4, v6...)
	if len(addrs) == 0 {
		if err4 != nil {
			return nil, err4
		}
		if err6 != nil {
			return nil, err6
		}
		return nil, notFound(name, c.nameserver)
	}
	return addrs, nil
}

// LookupA returns the IPv4 addresses of name.
func (c *Client) LookupA(ctx context.Context, name string) ([]string, error) {
	in, err := c.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out, nil
}

// LookupTXT returns the TXT strings of name, one entry per record.
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	in, err := c.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(t.Txt, ""))
		}
	}
	return out, nil
}

func (c *Client) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := c.client.ExchangeContext(ctx, m, c.nameserver)
	if err != nil {
		var ne net.Error
		timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
		return nil, &net.DNSError{
			Err:         err.Error(),
			Name:        name,
			Server:      c.nameserver,
			IsTimeout:   timeout,
			IsTemporary: true,
		}
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
		return in, nil
	case dns.RcodeNameError:
		return nil, notFound(name, c.nameserver)
	default:
		return nil, &net.DNSError{
			Err:         "server responded " + dns.RcodeToString[in.Rcode],
			Name:        name,
			Server:      c.nameserver,
			IsTemporary: in.Rcode == dns.RcodeServerFailure,
		}
	}
}

func notFound(name, server string) error {
	return &net.DNSError{Err: "no such host", Name: name, Server: server, IsNotFound: true}
}

func isNotFound(err error) bool {
	var de *net.DNSError
	return errors.As(err, &de) && de.IsNotFound
}
