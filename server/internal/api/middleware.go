package api

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// gate rejects non-exempt requests with 503 until the readiness gate opens.
// A rejected request reaches no handler. Existing files at the site root are
// exempt like the static prefix.
func (h *Handler) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := h.opts.Gate
		if g.Allow(r.URL.Path, r.Method) || h.rootFileRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		h.setRetryAfter(w)
		jsonResp(w, http.StatusServiceUnavailable, errorResponse{
			Error: "server not ready",
			State: g.State().String(),
		})
	})
}

// accessLog logs every request and feeds the request counter.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		if h.opts.Metrics != nil {
			h.opts.Metrics.ObserveRequest(r.Method, rec.code)
		}
		level := slog.LevelInfo
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"job", w.Header().Get("X-Job-Id"),
		)
	})
}

func (h *Handler) rootFileRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	_, ok := h.rootFile(r.URL.Path)
	return ok
}

func (h *Handler) setRetryAfter(w http.ResponseWriter) {
	secs := int(h.opts.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	bytes       int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.code = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
