// Package guard implements SSRF-safe outbound host resolution (spec.md
// §4.A). It is consulted before any sync driver opens an IMAP/SMTP
// connection and before a push subscription endpoint is accepted.
package guard

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// allowPrivateNetworkTargets is the process-wide override described in
// spec.md §4.A. It is only ever flipped in test mode.
var allowPrivateNetworkTargets atomic.Bool

// SetAllowPrivateNetworkTargets toggles the process-wide bypass of private
// range checks. Format checks (empty host, non-HTTPS push URL) always
// apply regardless of this setting.
func SetAllowPrivateNetworkTargets(allow bool) {
	allowPrivateNetworkTargets.Store(allow)
}

// Resolver abstracts DNS lookup so tests can inject deterministic results.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var defaultResolver Resolver = net.DefaultResolver

// ResolvedHost is the result of resolveSafeOutboundHost.
type ResolvedHost struct {
	Host    string
	Address net.IP
	Family  string // "ip4" or "ip6"
}

// controlSuffixes are hostname suffixes that are always rejected as
// loopback-adjacent, regardless of DNS resolution.
var controlSuffixes = []string{"localhost", ".local", ".internal"}

// ResolveSafeOutboundHost validates and resolves host, rejecting literal
// IPs and hostnames that fall in private/reserved/loopback/link-local/
// multicast/mapped ranges unless the process-wide override or test mode is
// active. label is a short context string used only for error messages.
func ResolveSafeOutboundHost(ctx context.Context, host string, label string) (*ResolvedHost, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.Errorf("%s: host must not be empty", label)
	}

	lower := strings.ToLower(host)
	for _, suffix := range controlSuffixes {
		if lower == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(lower, suffix) {
			if !bypassActive() {
				return nil, errors.Errorf("%s: host %q is a local/internal alias", label, host)
			}
		}
	}

	// Literal IP: classify directly, no DNS round trip needed.
	if ip := net.ParseIP(host); ip != nil {
		if !bypassActive() && isReservedIP(ip) {
			return nil, errors.Errorf("%s: address %s is in a reserved range", label, ip)
		}
		return &ResolvedHost{Host: host, Address: ip, Family: family(ip)}, nil
	}

	addrs, err := defaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: dns lookup of %q failed", label, host)
	}

	var candidates []net.IPAddr
	if bypassActive() {
		candidates = addrs
	} else {
		for _, a := range addrs {
			if !isReservedIP(a.IP) {
				candidates = append(candidates, a)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Errorf("%s: host %q resolved to zero usable addresses", label, host)
	}

	// Prefer IPv4 per spec.
	chosen := candidates[0]
	for _, c := range candidates {
		if c.IP.To4() != nil {
			chosen = c
			break
		}
	}

	return &ResolvedHost{Host: host, Address: chosen.IP, Family: family(chosen.IP)}, nil
}

// AssertSafePushEndpoint validates a browser push endpoint URL: HTTPS
// scheme is always required (format check, never bypassed), and the host
// goes through the same private-range checks as any other outbound target.
func AssertSafePushEndpoint(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return errors.Errorf("push endpoint %q is not a valid URL", rawURL)
	}
	if u.Scheme != "https" {
		return errors.Errorf("push endpoint must use https, got %q", u.Scheme)
	}
	host := u.Hostname()
	_, err = ResolveSafeOutboundHost(ctx, host, "push endpoint")
	return err
}

func bypassActive() bool {
	return allowPrivateNetworkTargets.Load()
}

func family(ip net.IP) string {
	if ip.To4() != nil {
		return "ip4"
	}
	return "ip6"
}

// isReservedIP classifies loopback/private/link-local/multicast/reserved
// and IPv4-mapped-IPv6 addresses (spec.md §8 property 8's canonical deny
// set: empty, localhost, 10/8, 192.168/16, 127/8, fd00::/7, fe80::/10,
// ::ffff:127.0.0.1).
func isReservedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if mapped := ip.To4(); mapped != nil && ip.To16() != nil && !ip.Equal(mapped) {
		// ::ffff:x.x.x.x mapped addresses: classify by the embedded IPv4.
		ip = mapped
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		isUniqueLocal(ip)
}

// isUniqueLocal reports fc00::/7 (ULA), which net.IP.IsPrivate already
// covers for Go >= 1.17 IPv6, kept explicit for readability and for the
// fd00::/7 case named in spec.md §8.
func isUniqueLocal(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	return len(ip) == net.IPv6len && (ip[0] == 0xfc || ip[0] == 0xfd)
}
