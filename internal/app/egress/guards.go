// Package egress implements the loopback-bound HTTP/CONNECT forward proxy:
// destination guards (IP-literal ban, DNS-exfiltration suffix/port/path
// checks, host allowlist), a policy/lease gate, and an append-only ledger
// of every decision.
package egress

import (
	"net"
	"net/http"
	"strings"
)

// dohSuffixes are hostnames/suffixes known to serve DNS-over-HTTPS; a
// destination matching one of these is denied under the DNS guard even
// though it looks like ordinary HTTPS traffic.
var dohSuffixes = []string{
	"dns.google",
	"cloudflare-dns.com",
	"quad9.net",
	"doh.opendns.com",
	"adguard-dns.com",
	"doh.cleanbrowsing.org",
	"nextdns.io",
}

// IsIPLiteral reports whether host parses as an IP address rather than a
// hostname.
func IsIPLiteral(host string) bool {
	return net.ParseIP(host) != nil
}

// DNSGuardTripped reports whether this destination looks like a DNS
// exfiltration channel: a known DoH suffix, DoT port 853, a /dns-query
// path, or a DNS-message content negotiation header.
func DNSGuardTripped(host string, port int, path string, header http.Header) bool {
	lowered := strings.ToLower(host)
	for _, suffix := range dohSuffixes {
		if lowered == suffix || strings.HasSuffix(lowered, "."+suffix) {
			return true
		}
	}
	if port == 853 {
		return true
	}
	if strings.Contains(path, "/dns-query") {
		return true
	}
	for _, key := range []string{"Accept", "Content-Type"} {
		if strings.Contains(header.Get(key), "application/dns-message") {
			return true
		}
	}
	return false
}

// AllowlistPermits reports whether host is equal to, or a dot-suffix of,
// any entry in allowlist. An empty allowlist permits every host (the
// allowlist guard is then simply not configured).
func AllowlistPermits(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	lowered := strings.ToLower(host)
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if lowered == entry || strings.HasSuffix(lowered, "."+entry) {
			return true
		}
	}
	return false
}
