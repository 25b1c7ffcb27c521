package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"path"
	"strings"
	"syscall"
)

// Errors reported to guests for URLs they may not fetch.
var (
	ErrMalformedURL       = errors.New("URL malformed")
	ErrDomainNotPermitted = errors.New("Domain not permitted")
	ErrNoHost             = errors.New("URL has no host")
)

// PrivateHost is the rule pattern that matches loopback, private,
// link-local and unspecified addresses.
const PrivateHost = "$private"

// Rule allows or denies hosts matching a pattern. A pattern is a glob over
// the host name ("*.example.com"), a CIDR prefix ("10.0.0.0/8"), or
// [PrivateHost].
type Rule struct {
	Host  string
	Allow bool
}

// Rules are checked in order; the first matching rule decides.
// A host that matches no rule is denied.
type Rules []Rule

// DefaultRules deny private networks and allow everything else.
func DefaultRules() Rules {
	return Rules{
		{Host: PrivateHost, Allow: false},
		{Host: "*", Allow: true},
	}
}

// Validate reports patterns that can never match.
func (rs Rules) Validate() error {
	for i, r := range rs {
		if r.Host == "" {
			return fmt.Errorf("http rule %d: empty host", i)
		}
		if r.Host == PrivateHost || strings.Contains(r.Host, "/") {
			if r.Host != PrivateHost {
				if _, err := netip.ParsePrefix(r.Host); err != nil {
					return fmt.Errorf("http rule %d: %w", i, err)
				}
			}
			continue
		}
		if _, err := path.Match(r.Host, ""); err != nil {
			return fmt.Errorf("http rule %d: bad pattern %q", i, r.Host)
		}
	}
	return nil
}

func isPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		sharedAddressSpace.Contains(ip)
}

// Carrier-grade NAT range.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func (r Rule) matches(host string, ip netip.Addr) bool {
	switch {
	case r.Host == PrivateHost:
		return ip.IsValid() && isPrivate(ip)
	case strings.Contains(r.Host, "/"):
		p, err := netip.ParsePrefix(r.Host)
		return err == nil && ip.IsValid() && p.Contains(ip.Unmap())
	}
	if ok, _ := path.Match(r.Host, host); ok {
		return true
	}
	if ip.IsValid() {
		ok, _ := path.Match(r.Host, ip.String())
		return ok
	}
	return false
}

// check applies the rules to a host name and, when known, its address.
func (rs Rules) check(host string, ip netip.Addr) error {
	host = strings.ToLower(host)
	for _, r := range rs {
		if r.matches(host, ip) {
			if r.Allow {
				return nil
			}
			return ErrDomainNotPermitted
		}
	}
	return ErrDomainNotPermitted
}

// hostAddr returns the address of a host that is an IP literal or
// "localhost".
func hostAddr(host string) netip.Addr {
	if strings.EqualFold(host, "localhost") {
		return netip.IPv6Loopback()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return ip
}

// CheckURL parses raw and checks it against the rules. schemes lists the
// accepted URL schemes.
func (rs Rules) CheckURL(raw string, schemes ...string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrMalformedURL
	}
	scheme := strings.ToLower(u.Scheme)
	ok := false
	for _, s := range schemes {
		if scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("Invalid protocol '%s'", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, ErrNoHost
	}
	if err := rs.check(host, hostAddr(host)); err != nil {
		return nil, err
	}
	return u, nil
}

// DialContext wraps d so that every connection is checked against the rules
// once the host name has been resolved. This stops a permitted name that
// resolves to a private address.
func (rs Rules) DialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		dd := *d
		dd.Control = func(_, address string, _ syscall.RawConn) error {
			ipStr, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip, err := netip.ParseAddr(ipStr)
			if err != nil {
				return err
			}
			return rs.check(host, ip)
		}
		return dd.DialContext(ctx, network, addr)
	}
}
