package egress

import (
	"net/http"
	"testing"
)

func TestIsIPLiteral(t *testing.T) {
	if !IsIPLiteral("127.0.0.1") {
		t.Fatal("expected 127.0.0.1 to be an IP literal")
	}
	if IsIPLiteral("example.com") {
		t.Fatal("expected example.com not to be an IP literal")
	}
}

func TestDNSGuardTrippedBySuffix(t *testing.T) {
	if !DNSGuardTripped("dns.google", 443, "/", http.Header{}) {
		t.Fatal("expected dns.google to trip the DNS guard")
	}
	if !DNSGuardTripped("family.cloudflare-dns.com", 443, "/", http.Header{}) {
		t.Fatal("expected cloudflare-dns.com subdomain to trip the DNS guard")
	}
	if DNSGuardTripped("example.com", 443, "/", http.Header{}) {
		t.Fatal("expected example.com not to trip the DNS guard")
	}
}

func TestDNSGuardTrippedByPortAndPath(t *testing.T) {
	if !DNSGuardTripped("example.com", 853, "/", http.Header{}) {
		t.Fatal("expected port 853 to trip the DNS guard")
	}
	if !DNSGuardTripped("example.com", 443, "/dns-query", http.Header{}) {
		t.Fatal("expected /dns-query path to trip the DNS guard")
	}
	h := http.Header{}
	h.Set("Accept", "application/dns-message")
	if !DNSGuardTripped("example.com", 443, "/", h) {
		t.Fatal("expected dns-message accept header to trip the DNS guard")
	}
}

func TestAllowlistPermits(t *testing.T) {
	allowlist := []string{"example.com", "api.github.com"}
	if !AllowlistPermits("example.com", allowlist) {
		t.Fatal("expected exact match to be permitted")
	}
	if !AllowlistPermits("sub.example.com", allowlist) {
		t.Fatal("expected dot-suffix match to be permitted")
	}
	if AllowlistPermits("evil.com", allowlist) {
		t.Fatal("expected non-matching host to be denied")
	}
	if !AllowlistPermits("anything.com", nil) {
		t.Fatal("expected empty allowlist to permit everything")
	}
}
