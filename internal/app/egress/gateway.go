package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arwlocal/runtime/infrastructure/resilience"
	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/metrics"
	"github.com/arwlocal/runtime/internal/app/policy"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/internal/httputil"
)

// hopByHopHeaders are stripped before forwarding a request or response, per
// RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config captures the guards and lease/policy gate applied to every
// request, plus the posture label stamped onto ledger rows.
type Config struct {
	Enabled            bool
	Port               int
	Allowlist          []string
	DNSGuardEnable     bool
	BlockIPLiterals    bool
	LedgerEnable       bool
	Posture            string
	HTTPTimeout        time.Duration
}

// Gateway is the loopback-bound HTTP/CONNECT forward proxy described by
// §4.5. Apply starts, stops, or relocates the single listener idempotently.
type Gateway struct {
	log     *alog.Logger
	policy  *policy.Engine
	leases  *policy.LeaseAuthorizer
	ledger  storage.EgressLedgerStore
	bus     *bus.Bus
	breaker *resilience.CircuitBreaker
	client  *http.Client

	mu       sync.Mutex
	cfg      Config
	listener net.Listener
	server   *http.Server
}

// New builds a Gateway. The circuit breaker wraps the forward-HTTP leg's
// client so a run of upstream failures trips open and short-circuits new
// requests to a connect-reason deny without paying the dial timeout.
func New(pol *policy.Engine, leases *policy.LeaseAuthorizer, ledger storage.EgressLedgerStore, eventBus *bus.Bus, log *alog.Logger) *Gateway {
	breakerCfg := resilience.DefaultConfig()
	breakerTimeout := breakerCfg.Timeout
	breakerCfg.OnStateChange = func(from, to resilience.State) {
		switch to {
		case resilience.StateOpen:
			metrics.SafeModeActive.Set(1)
			metrics.SafeModeUntilMS.Set(float64(time.Now().Add(breakerTimeout).UnixMilli()))
		case resilience.StateClosed:
			metrics.SafeModeActive.Set(0)
			metrics.SafeModeUntilMS.Set(0)
		}
	}
	breaker := resilience.New(breakerCfg)
	client := httputil.CopyHTTPClientWithTimeout(&http.Client{Transport: httputil.DefaultTransportWithMinTLS12()}, 30*time.Second, false)
	return &Gateway{
		log:     log,
		policy:  pol,
		leases:  leases,
		ledger:  ledger,
		bus:     eventBus,
		breaker: breaker,
		client:  client,
	}
}

// Apply reconfigures the gateway: stopping, relocating, or starting the
// listener as needed to match cfg. Apply is idempotent and safe to call
// repeatedly with the same cfg.
func (g *Gateway) Apply(ctx context.Context, cfg Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cfg.HTTPTimeout > 0 {
		g.client.Timeout = cfg.HTTPTimeout
	}
	if g.server != nil {
		_ = g.server.Shutdown(ctx)
		g.server = nil
		g.listener = nil
	}
	g.cfg = cfg
	if !cfg.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("egress: listen: %w", err)
	}
	srv := &http.Server{Handler: g}
	g.listener = ln
	g.server = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.WithError(err).Error("egress proxy serve exited")
		}
	}()
	return nil
}

// Stop tears down the listener, if any.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return nil
	}
	err := g.server.Shutdown(ctx)
	g.server = nil
	g.listener = nil
	return err
}

// ServeHTTP dispatches CONNECT tunnels and absolute-form forward requests
// through the shared guard/policy/ledger pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		g.handleConnect(w, r)
		return
	}
	g.handleForward(w, r)
}

func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = defaultPort
	}
	return host, port
}

// gate runs the shared guard/policy/lease pipeline and returns a non-empty
// reason on deny. It writes nothing itself: callers record the deny (ledger
// row and egress.ledger.appended) via recordDecision and must not proceed
// when reason != "".
func (g *Gateway) gate(ctx context.Context, host string, port int, proto string, path string, header http.Header, policyKind, requireCap string) (reason string) {
	cfg := g.currentConfig()

	if cfg.BlockIPLiterals && IsIPLiteral(host) {
		return "ip_literal"
	}
	if cfg.DNSGuardEnable && DNSGuardTripped(host, port, path, header) {
		return "dns_guard"
	}
	if !AllowlistPermits(host, cfg.Allowlist) {
		return "allowlist"
	}
	decision := g.policy.Evaluate(policyKind)
	if !decision.Allow {
		cap := decision.RequireCapability
		if cap == "" {
			cap = requireCap
		}
		if g.leases == nil {
			return "lease_required"
		}
		if _, ok, err := g.leases.FindValidLease(ctx, "local", cap); err != nil || !ok {
			return "lease_required"
		}
	}
	return ""
}

func (g *Gateway) currentConfig() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host, port := splitHostPort(r.Host, 443)

	if reason := g.gate(ctx, host, port, "tcp", r.URL.Path, r.Header, "net.tcp.connect", "net:http"); reason != "" {
		g.recordDecision(ctx, core.EgressDeny, reason, host, port, "tcp", 0, 0, r.Header.Get("X-ARW-Corr"), r.Header.Get("X-ARW-Project"))
		http.Error(w, reason, http.StatusForbidden)
		return
	}

	upstream, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		g.recordDecision(ctx, core.EgressDeny, "connect", host, port, "tcp", 0, 0, r.Header.Get("X-ARW-Corr"), r.Header.Get("X-ARW-Project"))
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer client.Close()

	fmt.Fprintf(client, "HTTP/1.1 200 Connection Established\r\n\r\n")

	var bytesIn, bytesOut int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(upstream, client)
		bytesOut = n
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, upstream)
		bytesIn = n
	}()
	wg.Wait()

	g.recordDecision(ctx, core.EgressAllow, "ok", host, port, "tcp", bytesIn, bytesOut, r.Header.Get("X-ARW-Corr"), r.Header.Get("X-ARW-Project"))
}

func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host, port := splitHostPort(r.URL.Host, defaultPortFor(r.URL.Scheme))

	if reason := g.gate(ctx, host, port, "http", r.URL.Path, r.Header, "net.http.proxy", "net:http"); reason != "" {
		g.recordDecision(ctx, core.EgressDeny, reason, host, port, "http", 0, 0, r.Header.Get("X-ARW-Corr"), r.Header.Get("X-ARW-Project"))
		http.Error(w, reason, http.StatusForbidden)
		return
	}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	stripHopByHop(outReq.Header)

	var resp *http.Response
	var bodyBytes int64
	err := g.breaker.Execute(ctx, func() error {
		var err error
		resp, err = g.client.Do(outReq)
		return err
	})
	if err != nil {
		g.recordDecision(ctx, core.EgressDeny, "connect", host, port, "http", 0, 0, r.Header.Get("X-ARW-Corr"), r.Header.Get("X-ARW-Project"))
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	bodyBytes = n

	g.recordDecision(ctx, core.EgressAllow, "ok", host, port, "http", bodyBytes, 0, r.Header.Get("X-ARW-Corr"), r.Header.Get("X-ARW-Project"))
}

func defaultPortFor(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func stripHopByHop(header http.Header) {
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

func (g *Gateway) recordDecision(ctx context.Context, decision core.EgressDecision, reason, host string, port int, proto string, bytesIn, bytesOut int64, corrID, projectID string) {
	cfg := g.currentConfig()
	row := core.EgressRow{
		Decision:  decision,
		Reason:    reason,
		Host:      host,
		Port:      port,
		Protocol:  proto,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
		CorrID:    corrID,
		ProjectID: projectID,
		Posture:   cfg.Posture,
		Time:      time.Now().UTC(),
	}
	if cfg.LedgerEnable && g.ledger != nil {
		stored, err := g.ledger.AppendEgressRow(ctx, row)
		if err == nil {
			row = stored
		} else {
			g.log.WithError(err).Warn("append egress ledger row")
		}
	}
	if g.bus == nil {
		return
	}
	payload, _ := json.Marshal(row)
	if _, err := g.bus.Publish(ctx, core.Event{Kind: "egress.ledger.appended", Payload: payload, CorrID: corrID}); err != nil {
		g.log.WithError(err).Warn("publish egress.ledger.appended")
	}
}

