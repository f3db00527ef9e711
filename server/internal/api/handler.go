package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/catalog"
	"github.com/meartlab/meart/server/internal/config"
	"github.com/meartlab/meart/server/internal/processor"
	"github.com/meartlab/meart/server/internal/readiness"
)

// Processor runs one image operation.
type Processor interface {
	Configured(op processor.Op) bool
	Run(ctx context.Context, op processor.Op, in processor.Input) (map[string]any, error)
}

// RequestObserver counts served requests.
type RequestObserver interface {
	ObserveRequest(method string, code int)
}

// Options wires a Handler to its collaborators.
type Options struct {
	Gate      *readiness.Gate
	Queue     *admission.Queue
	Catalog   *catalog.Catalog
	Processor Processor
	Metrics   RequestObserver // optional

	Env     string
	Version string
	AI      config.AIConfig

	AssetPrefix  string
	StaticPrefix string
	StaticDir    string
	Fuzzy        bool

	MaxBodySize int64
	RetryAfter  time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler is the root HTTP handler.
type Handler struct {
	opts     Options
	mux      *http.ServeMux
	chain    http.Handler
	validate *validator.Validate

	mu     sync.Mutex
	routes []string
}

// New creates a Handler and registers all routes.
func New(opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AssetPrefix == "" {
		opts.AssetPrefix = config.DefaultAssetPrefix
	}
	if opts.StaticPrefix == "" {
		opts.StaticPrefix = config.DefaultStaticPrefix
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = int64(config.DefaultMaxBodySize)
	}
	h := &Handler{
		opts:     opts,
		mux:      http.NewServeMux(),
		validate: newValidator(),
	}

	h.handle("/healthz", http.HandlerFunc(h.healthz))
	h.handle("/readyz", http.HandlerFunc(h.readyz))
	h.handle("/api/status", http.HandlerFunc(h.status))
	h.handle("/api/hello", http.HandlerFunc(h.hello))
	h.handle("/__version", http.HandlerFunc(h.version))
	h.handle("/__routes", http.HandlerFunc(h.listRoutes))
	h.handle("/__bg-exists", http.HandlerFunc(h.bgExists))
	h.handle("/favicon.ico", http.HandlerFunc(h.favicon))

	for _, p := range []string{"/api/remove-bg", "/remove-bg"} {
		h.handle(p, h.process(processor.OpRemoveBackground))
	}
	for _, p := range []string{"/api/analyze-emotion", "/analyze-emotion"} {
		h.handle(p, h.process(processor.OpAnalyzeEmotion))
	}
	for _, p := range []string{"/api/composite", "/composite"} {
		h.handle(p, http.HandlerFunc(h.composite))
	}

	h.handle(opts.AssetPrefix, http.HandlerFunc(h.asset))
	h.handle(opts.StaticPrefix, http.HandlerFunc(h.static))
	h.mux.HandleFunc("/", h.root)

	h.chain = h.accessLog(h.gate(h.mux))
	return h
}

// Mount registers an extra handler, e.g. /metrics or /ws/status.
func (h *Handler) Mount(pattern string, handler http.Handler) {
	h.handle(pattern, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.chain.ServeHTTP(w, r)
}

func (h *Handler) handle(pattern string, handler http.Handler) {
	h.mu.Lock()
	h.routes = append(h.routes, pattern)
	h.mu.Unlock()
	h.mux.Handle(pattern, handler)
}

// Routes returns the registered patterns in sorted order.
func (h *Handler) Routes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := slices.Clone(h.routes)
	slices.Sort(out)
	return out
}

// --- probes and status ------------------------------------------------------

// healthz returns GET /healthz. It never consults the gate's dependencies.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	now := h.opts.Now()
	w.Header().Set("Cache-Control", "no-store")
	jsonResp(w, http.StatusOK, HealthzResponse{
		OK:     true,
		TS:     now.UnixMilli(),
		Uptime: h.uptime(now),
	})
}

// readyz returns GET /readyz: 200 once ready, 503 otherwise.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	ts := h.opts.Now().UnixMilli()
	if h.opts.Gate.IsReady() {
		jsonResp(w, http.StatusOK, ReadyzResponse{Ready: true, TS: ts})
		return
	}
	jsonResp(w, http.StatusServiceUnavailable, ReadyzResponse{
		Ready: false,
		TS:    ts,
		State: h.opts.Gate.State().String(),
	})
}

// status returns GET /api/status. It answers in every gate state.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	jsonResp(w, http.StatusOK, h.Status())
}

// Status builds the status document served by /api/status.
func (h *Handler) Status() StatusResponse {
	now := h.opts.Now()
	g := h.opts.Gate
	provider, aiReady, reason := h.opts.AI.Status()

	resp := StatusResponse{
		OK:        true,
		Env:       h.opts.Env,
		TS:        now.UnixMilli(),
		Uptime:    h.uptime(now),
		Ready:     g.IsReady(),
		State:     g.State().String(),
		StartedAt: g.StartedAt().UTC().Format(time.RFC3339),
		Queue:     h.opts.Queue.Stats(),
		Catalog:   h.opts.Catalog.Stats(),
		AI:        AIStatus{Provider: provider, Ready: aiReady, Reason: reason},
	}
	if at, ok := g.ReadyAt(); ok {
		resp.ReadyAt = at.UTC().Format(time.RFC3339)
	}
	if err := g.Err(); err != nil {
		resp.InitError = err.Error()
	}
	resp.Diagnostics = computeDiagnostics(diagnosticInput{
		State:   g.State(),
		InitErr: resp.InitError,
		Queue:   resp.Queue,
		Catalog: resp.Catalog,
		Fuzzy:   h.opts.Fuzzy,
	})
	return resp
}

// hello is a gated smoke-test route.
func (h *Handler) hello(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, map[string]any{"ok": true, "message": "Hello after ready!"})
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	v := h.opts.Version
	if v == "" {
		v = "dev"
	}
	jsonResp(w, http.StatusOK, VersionResponse{
		OK:        true,
		Version:   v,
		Go:        runtime.Version(),
		StartedAt: h.opts.Gate.StartedAt().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) listRoutes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, map[string]any{"ok": true, "routes": h.Routes()})
}

func (h *Handler) uptime(now time.Time) float64 {
	return now.Sub(h.opts.Gate.StartedAt()).Seconds()
}

// --- helpers ----------------------------------------------------------------

// allow checks the request method. GET handlers also accept HEAD. OPTIONS is
// answered with 204 and an Allow header.
func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if slices.Contains(methods, http.MethodGet) && !slices.Contains(methods, http.MethodHead) {
		methods = append(methods, http.MethodHead)
	}
	if slices.Contains(methods, r.Method) {
		return true
	}
	w.Header().Set("Allow", strings.Join(append(methods, http.MethodOptions), ", "))
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func jsonErrPath(w http.ResponseWriter, code int, msg, path string) {
	jsonResp(w, code, errorResponse{Error: msg, Path: path})
}
