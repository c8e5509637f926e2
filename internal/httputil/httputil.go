// Package httputil provides low-level HTTP client helpers. The egress
// gateway's forward-HTTP client is built with them; the pipeline's HTTP
// tool builds its own client.
package httputil

import (
	"crypto/tls"
	"net/http"
	"time"
)

// DefaultTransportWithMinTLS12 returns a *http.Transport cloned from
// http.DefaultTransport with MinVersion raised to TLS 1.2, for outbound
// clients that must not silently negotiate down to TLS 1.0/1.1.
func DefaultTransportWithMinTLS12() http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if base.TLSClientConfig == nil {
		base.TLSClientConfig = &tls.Config{}
	}
	if base.TLSClientConfig.MinVersion < tls.VersionTLS12 {
		base.TLSClientConfig.MinVersion = tls.VersionTLS12
	}
	return base
}

// CopyHTTPClientWithTimeout returns a shallow copy of base (or a fresh
// *http.Client if base is nil) with Timeout set to d. The original client's
// Timeout is preserved unless force is true or the original was unset.
func CopyHTTPClientWithTimeout(base *http.Client, d time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: d}
	}
	clone := *base
	if force || clone.Timeout == 0 {
		clone.Timeout = d
	}
	return &clone
}
