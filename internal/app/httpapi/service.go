package httpapi

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arwlocal/runtime/internal/app"
	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/metrics"
	"github.com/arwlocal/runtime/internal/app/system"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *alog.Logger
}

// NewService wires the admin-token middleware, audit log, and CORS around
// NewHandler's mux, then instruments the whole chain for /metrics.
func NewService(application *app.Application, addr string, adminToken string, log *alog.Logger) *Service {
	if log == nil {
		log = alog.New("arw-http", "info", "text")
	}
	var sink auditSink
	if path := strings.TrimSpace(os.Getenv("ARW_AUDIT_LOG_PATH")); path != "" {
		if s, err := newFileAuditSink(path); err == nil {
			sink = s
			log.WithFields(map[string]any{"path": path}).Info("audit log persisting to file")
		} else {
			log.WithError(err).Warn("audit log file not configured")
		}
	}
	audit := newAuditLog(300, sink)

	handler := NewHandler(application, audit)
	// Order matters: auth sees the real request, CORS short-circuits
	// preflight OPTIONS before auth runs, metrics wraps the final chain.
	handler = wrapWithAuth(handler, adminToken)
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /events and /state/memory are long-lived SSE streams
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from a local dashboard/CLI and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-ARW-Admin, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mutatingMethod reports whether the admin token gate applies to r.
func mutatingMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPut ||
		method == http.MethodPatch || method == http.MethodDelete
}

// wrapWithAuth enforces the dual legacy-header/bearer admin token check on
// every mutating request, per §6: "All mutating endpoints require both
// legacy header X-ARW-Admin: <token> and bearer Authorization: Bearer
// <token>." An empty token disables the gate (local dev default).
func wrapWithAuth(next http.Handler, token string) http.Handler {
	token = strings.TrimSpace(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" || !mutatingMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		legacy := strings.TrimSpace(r.Header.Get("X-ARW-Admin"))
		bearer := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if legacy != token || bearer != token {
			writeError(w, http.StatusForbidden, errMissingOrBadToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}
