package proxy

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/apiverse/apiverse/internal/config"
)

// URLPolicy decides which upstream base URLs and webhook callback URLs may
// be registered. It blocks server-side request forgery into internal
// networks unless the operator opts out.
type URLPolicy struct {
	// AllowedSchemes defaults to http and https.
	AllowedSchemes []string
	// DenyPrivateNetworks rejects RFC 1918, loopback, link-local and cloud
	// metadata addresses, including hostnames that resolve to them.
	DenyPrivateNetworks bool
	// AllowedHosts, when non-empty, is an exact-match allowlist that also
	// bypasses the private network check.
	AllowedHosts []string
}

// NewURLPolicy builds a policy from its config section.
func NewURLPolicy(cfg config.BackendURLPolicy) URLPolicy {
	return URLPolicy{
		AllowedSchemes:      cfg.AllowedSchemes,
		DenyPrivateNetworks: cfg.DenyPrivateNetworksEnabled(),
		AllowedHosts:        cfg.AllowedHosts,
	}
}

var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// ValidateString parses raw and applies Validate. The URL must be absolute.
func (p URLPolicy) ValidateString(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("url %q is not absolute", raw)
	}
	return p.Validate(u)
}

// Validate returns a description of why u is rejected, or nil.
func (p URLPolicy) Validate(u *url.URL) error {
	schemes := p.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	if !slices.ContainsFunc(schemes, func(s string) bool { return strings.EqualFold(u.Scheme, s) }) {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}

	if len(p.AllowedHosts) > 0 {
		if !slices.ContainsFunc(p.AllowedHosts, func(h string) bool { return strings.EqualFold(host, h) }) {
			return fmt.Errorf("host %q is not in the allowed list", host)
		}
		return nil
	}

	if p.DenyPrivateNetworks {
		return checkNotPrivate(host)
	}
	return nil
}

// checkNotPrivate rejects literal private IPs and hostnames resolving to
// one. An unresolvable host is rejected too.
func checkNotPrivate(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("IP %s is in a private/reserved range", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ip)
		}
	}
	return nil
}

// IsPrivateIP reports whether ip falls in a private or reserved range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
