package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arwlocal/runtime/internal/app"
	"github.com/arwlocal/runtime/internal/app/apperr"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/metrics"
	"github.com/arwlocal/runtime/internal/app/pipeline"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/internal/app/streamapi"
	"github.com/arwlocal/runtime/internal/app/workingset"
)

// handler bundles the action/context/memory/event HTTP surface over one
// Application, the same mux-of-small-methods shape the teacher's handler
// uses over its domain services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a mux exposing the runtime's REST API per §6.
func NewHandler(application *app.Application, audit *auditLog) http.Handler {
	h := &handler{app: application, audit: audit}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/actions", h.actions)
	mux.HandleFunc("/actions/", h.actionResources)
	mux.HandleFunc("/context/assemble", h.contextAssemble)
	mux.HandleFunc("/context/rehydrate", h.contextRehydrate)
	mux.HandleFunc("/state/memory", h.memoryStream)
	mux.HandleFunc("/state/memory/recent", h.memoryRecent)
	mux.Handle("/events", streamapi.NewSSEHandler(application.Bus))
	mux.HandleFunc("/admin/audit", h.adminAudit)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// actions handles POST /actions (submit) and GET /actions (list).
func (h *handler) actions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitAction(w, r)
	case http.MethodGet:
		h.listActions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) submitAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind    string          `json:"kind"`
		Input   json.RawMessage `json:"input"`
		IdemKey string          `json:"idem_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Kind) == "" {
		writeAppError(w, apperr.BadRequest("kind is required"))
		return
	}

	result, err := h.app.Pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		Kind: payload.Kind, Input: payload.Input, IdemKey: payload.IdemKey,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// listActions lists each of the four state buckets (queued, running,
// completed, failed, in that order) when no ?state= filter is given,
// concatenates them and truncates the result to limit.
func (h *handler) listActions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stateParam := strings.TrimSpace(r.URL.Query().Get("state"))

	states := []core.ActionState{core.ActionQueued, core.ActionRunning, core.ActionCompleted, core.ActionFailed}
	if stateParam != "" {
		states = []core.ActionState{core.ActionState(stateParam)}
	}

	var out []core.Action
	for _, state := range states {
		actions, err := h.app.Store.ListActions(r.Context(), state, limit)
		if err != nil {
			writeAppError(w, err)
			return
		}
		out = append(out, actions...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

// actionResources handles GET /actions/{id} and POST /actions/{id}/state.
func (h *handler) actionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/actions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, ErrMissingID)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		action, err := h.app.Store.GetAction(r.Context(), id)
		if err != nil {
			writeAppError(w, mapStoreErr(err, "action"))
			return
		}
		writeJSON(w, http.StatusOK, action)
		return
	}

	if len(parts) == 2 && parts[1] == "state" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.setActionState(w, r, id)
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) setActionState(w http.ResponseWriter, r *http.Request, id string) {
	var payload struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		action core.Action
		err    error
	)
	switch core.ActionState(payload.State) {
	case core.ActionCompleted:
		action, err = h.app.Store.CompleteAction(r.Context(), id, nil)
	case core.ActionFailed:
		action, err = h.app.Store.FailAction(r.Context(), id, payload.Error)
	default:
		writeAppError(w, apperr.BadRequest("state must be completed or failed"))
		return
	}
	if err != nil {
		writeAppError(w, mapStoreErr(err, "action"))
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// contextAssemble handles POST /context/assemble, returning one JSON Result
// or, when stream=true, an SSE tail of the assembler's working_set.* events
// for the request's correlation id.
func (h *handler) contextAssemble(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Query           string   `json:"query"`
		Lanes           []string `json:"lanes"`
		PrimaryLanes    []string `json:"primary_lanes"`
		Limit           int      `json:"limit"`
		ExpandQueryTopK int      `json:"expand_query_top_k"`
		ExpandPerSeed   int      `json:"expand_per_seed"`
		MinScore        float64  `json:"min_score"`
		LaneBonus       float64  `json:"lane_bonus"`
		DiversityLambda float64  `json:"diversity_lambda"`
		MaxIterations   int      `json:"max_iterations"`
		ExpandQuery     bool     `json:"expand_query"`
		Debug           bool     `json:"debug"`
		Stream          bool     `json:"stream"`
		IncludeSources  bool     `json:"include_sources"`
		CorrID          string   `json:"corr_id"`
		Project         string   `json:"project"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	spec := workingset.Spec{
		Query: payload.Query, Lanes: payload.Lanes, PrimaryLanes: payload.PrimaryLanes,
		Limit: payload.Limit, ExpandQueryTopK: payload.ExpandQueryTopK, ExpandPerSeed: payload.ExpandPerSeed,
		MinScore: payload.MinScore, LaneBonus: payload.LaneBonus, DiversityLambda: payload.DiversityLambda,
		MaxIterations: payload.MaxIterations, ExpandQuery: payload.ExpandQuery, Debug: payload.Debug,
		IncludeSources: payload.IncludeSources, CorrID: payload.CorrID, Project: payload.Project,
		Stream: payload.Stream || r.URL.Query().Get("stream") == "true",
	}
	if spec.CorrID == "" {
		spec.CorrID = fmt.Sprintf("assemble-%d", time.Now().UnixNano())
	}

	if !spec.Stream {
		result, err := h.app.Assembler.Run(r.Context(), spec)
		if err != nil {
			writeAppError(w, apperr.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	h.streamAssemble(w, r, spec)
}

func (h *handler) streamAssemble(w http.ResponseWriter, r *http.Request, spec workingset.Spec) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.app.Bus.Subscribe("working_set.")
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	done := make(chan error, 1)
	go func() {
		_, err := h.app.Assembler.Run(r.Context(), spec)
		done <- err
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-done:
			if err != nil {
				fmt.Fprintf(w, "event: working_set.error\ndata: %s\n\n", mustJSON(map[string]any{"error": err.Error()}))
				flusher.Flush()
			}
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if event.CorrID != spec.CorrID {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, mustJSON(event))
			flusher.Flush()
			if event.Kind == "working_set.completed" || event.Kind == "working_set.error" {
				return
			}
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// contextRehydrate handles POST /context/rehydrate: resolving a pointer
// into its full content. Two pointer kinds are supported: memory_item
// (looked up directly) and file (gated behind the context:rehydrate:file
// lease and truncated to ARW_REHYDRATE_FILE_HEAD_KB).
func (h *handler) contextRehydrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Ptr struct {
			Kind string `json:"kind"`
			ID   string `json:"id"`
			Path string `json:"path"`
		} `json:"ptr"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch payload.Ptr.Kind {
	case "memory_item":
		if payload.Ptr.ID == "" {
			writeAppError(w, apperr.BadRequest("ptr.id is required for memory_item"))
			return
		}
		item, err := h.app.Store.GetMemoryItem(r.Context(), payload.Ptr.ID)
		if err != nil {
			writeAppError(w, mapStoreErr(err, "memory item"))
			return
		}
		writeJSON(w, http.StatusOK, item)

	case "file":
		if payload.Ptr.Path == "" {
			writeAppError(w, apperr.BadRequest("ptr.path is required for file"))
			return
		}
		if _, ok, err := h.app.Leases.FindValidLease(r.Context(), "local", "context:rehydrate:file"); err != nil {
			writeAppError(w, apperr.Internal(err))
			return
		} else if !ok {
			writeAppError(w, apperr.PolicyDenied("context:rehydrate:file", nil))
			return
		}
		content, truncated, err := readFileHead(payload.Ptr.Path, h.app.Config.RehydrateFileHeadKB)
		if err != nil {
			writeAppError(w, apperr.NotFound("file"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"path": payload.Ptr.Path, "content": string(content), "truncated": truncated,
		})

	default:
		writeAppError(w, apperr.BadRequest(errUnknownPointerKind.Error()))
	}
}

func readFileHead(path string, headKB int) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	if headKB <= 0 {
		headKB = 64
	}
	limit := int64(headKB) * 1024
	buf := make([]byte, limit+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, false, err
	}
	truncated := int64(n) > limit
	if truncated {
		n = int(limit)
	}
	return buf[:n], truncated, nil
}

// memoryStream handles GET /state/memory: an SSE tail of memory.snapshot and
// memory.patch events, defaulting the prefix filter to "memory." so callers
// never see unrelated bus traffic.
func (h *handler) memoryStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("prefix") == "" {
		q := r.URL.Query()
		q.Set("prefix", "memory.")
		r.URL.RawQuery = q.Encode()
	}
	streamapi.NewSSEHandler(h.app.Bus).ServeHTTP(w, r)
}

func (h *handler) memoryRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lane := strings.TrimSpace(r.URL.Query().Get("lane"))

	items, err := h.app.Store.ListMemoryItems(r.Context(), lane, limit)
	if err != nil {
		writeAppError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, []auditEntry{})
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// mapStoreErr translates a storage sentinel error into the apperr taxonomy
// so every handler renders RFC-7807 bodies the same way.
func mapStoreErr(err error, what string) error {
	if err == storage.ErrNotFound {
		return apperr.NotFound(what)
	}
	return apperr.Internal(err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeAppError renders an apperr.Error as its RFC-7807 problem body, or
// falls back to a 500 for anything that didn't originate from the apperr
// taxonomy.
func writeAppError(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(appErr.HTTPStatus)
		_ = json.NewEncoder(w).Encode(appErr.ProblemJSON())
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
