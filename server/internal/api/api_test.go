package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/api"
	"github.com/meartlab/meart/server/internal/catalog"
	"github.com/meartlab/meart/server/internal/config"
	"github.com/meartlab/meart/server/internal/processor"
	"github.com/meartlab/meart/server/internal/readiness"
)

// --- test helpers -----------------------------------------------------------

type fakeProcessor struct {
	mu       sync.Mutex
	disabled map[processor.Op]bool
	run      func(ctx context.Context, op processor.Op, in processor.Input) (map[string]any, error)
	calls    []processor.Input
}

func (f *fakeProcessor) Configured(op processor.Op) bool { return !f.disabled[op] }

func (f *fakeProcessor) Run(ctx context.Context, op processor.Op, in processor.Input) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, op, in)
	}
	return map[string]any{"image": "data:image/png;base64,AAAA"}, nil
}

func (f *fakeProcessor) lastCall(t *testing.T) processor.Input {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("processor was not called")
	}
	return f.calls[len(f.calls)-1]
}

type env struct {
	h     *api.Handler
	gate  *readiness.Gate
	queue *admission.Queue
	proc  *fakeProcessor
	dir   string
}

type setup struct {
	gate      readiness.Options
	queue     admission.Options
	maxBody   int64
	noFuzzy   bool
	staticDir string
}

func newEnv(t *testing.T, s setup) *env {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Ocean_Sunset.png"), "png-bytes")
	writeFile(t, filepath.Join(dir, "forest.jpg"), "jpg-bytes")

	if s.gate.Exemptions.Paths == nil {
		s.gate.Exemptions = readiness.DefaultExemptions(config.DefaultAssetPrefix, config.DefaultStaticPrefix)
	}
	if s.queue.Concurrency == 0 {
		s.queue.Concurrency = 1
	}
	e := &env{
		gate:  readiness.New(s.gate),
		queue: admission.New(s.queue),
		proc:  &fakeProcessor{disabled: map[processor.Op]bool{}},
		dir:   dir,
	}
	cat := catalog.New(catalog.Options{
		Dir:        dir,
		Extensions: config.DefaultExtensions,
		Fuzzy:      !s.noFuzzy,
	})
	e.h = api.New(api.Options{
		Gate:        e.gate,
		Queue:       e.queue,
		Catalog:     cat,
		Processor:   e.proc,
		Env:         "test",
		Version:     "v0.0.0-test",
		StaticDir:   s.staticDir,
		Fuzzy:       !s.noFuzzy,
		MaxBodySize: s.maxBody,
		RetryAfter:  5 * time.Second,
	})
	return e
}

func (e *env) ready(t *testing.T) {
	t.Helper()
	if err := e.gate.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, nil)
}

func postJSON(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return do(t, h, http.MethodPost, path, bytes.NewReader(b))
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// --- probes -----------------------------------------------------------------

func TestHealthz_AlwaysOK(t *testing.T) {
	e := newEnv(t, setup{gate: readiness.Options{Checks: []readiness.Check{
		readiness.Func("broken", func(context.Context) error { return errors.New("down") }),
	}}})

	rr := get(t, e.h, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("starting: want 200, got %d", rr.Code)
	}
	var resp api.HealthzResponse
	decode(t, rr, &resp)
	if !resp.OK || resp.TS == 0 {
		t.Errorf("unexpected body: %+v", resp)
	}

	if err := e.gate.Initialize(context.Background()); err == nil {
		t.Fatal("expected init failure")
	}
	if rr := get(t, e.h, "/healthz"); rr.Code != http.StatusOK {
		t.Errorf("failed: want 200, got %d", rr.Code)
	}
}

func TestReadyz_FollowsGate(t *testing.T) {
	e := newEnv(t, setup{})

	rr := get(t, e.h, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 before init, got %d", rr.Code)
	}
	var resp api.ReadyzResponse
	decode(t, rr, &resp)
	if resp.Ready || resp.State != "starting" {
		t.Errorf("unexpected body: %+v", resp)
	}

	e.ready(t)
	rr = get(t, e.h, "/readyz")
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200 after init, got %d", rr.Code)
	}
	resp = api.ReadyzResponse{}
	decode(t, rr, &resp)
	if !resp.Ready {
		t.Error("want ready=true")
	}
}

// --- gating -----------------------------------------------------------------

func TestGate_BlocksUntilReady(t *testing.T) {
	e := newEnv(t, setup{})

	rr := get(t, e.h, "/api/hello")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "5" {
		t.Errorf("Retry-After: got %q", rr.Header().Get("Retry-After"))
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["error"] != "server not ready" || body["ok"] != false {
		t.Errorf("unexpected body: %v", body)
	}

	e.ready(t)
	rr = get(t, e.h, "/api/hello")
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200 after ready, got %d", rr.Code)
	}
	body = nil
	decode(t, rr, &body)
	if body["message"] != "Hello after ready!" {
		t.Errorf("message: got %v", body["message"])
	}
}

func TestGate_RejectedRequestNeverReachesProcessor(t *testing.T) {
	e := newEnv(t, setup{})
	rr := postJSON(t, e.h, "/api/remove-bg", map[string]string{"imageBase64": b64("img")})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
	if len(e.proc.calls) != 0 {
		t.Errorf("processor called %d times", len(e.proc.calls))
	}
	if s := e.queue.Stats(); s.Completed+s.Failed+s.Rejected != 0 {
		t.Errorf("queue touched: %+v", s)
	}
}

func TestGate_ExemptWhileStarting(t *testing.T) {
	e := newEnv(t, setup{})

	for _, path := range []string{"/api/status", "/__version", "/__routes", "/BG_image/Ocean_Sunset.png"} {
		if rr := get(t, e.h, path); rr.Code != http.StatusOK {
			t.Errorf("%s: want 200, got %d (%s)", path, rr.Code, rr.Body.String())
		}
	}
	if rr := do(t, e.h, http.MethodOptions, "/api/remove-bg", nil); rr.Code != http.StatusNoContent {
		t.Errorf("OPTIONS: want 204, got %d", rr.Code)
	}
	if rr := get(t, e.h, "/favicon.ico"); rr.Code != http.StatusNoContent {
		t.Errorf("favicon: want 204, got %d", rr.Code)
	}
}

func TestGate_FailedStaysClosed(t *testing.T) {
	e := newEnv(t, setup{gate: readiness.Options{Checks: []readiness.Check{
		readiness.Func("models", func(context.Context) error { return errors.New("missing weights") }),
	}}})
	if err := e.gate.Initialize(context.Background()); err == nil {
		t.Fatal("expected init failure")
	}

	rr := get(t, e.h, "/api/hello")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["state"] != "failed" {
		t.Errorf("state: got %v", body["state"])
	}
}

// --- processing -------------------------------------------------------------

func TestRemoveBG_Success(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)

	rr := postJSON(t, e.h, "/api/remove-bg", map[string]string{"imageBase64": "data:image/png;base64," + b64("img")})
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Job-Id") == "" {
		t.Error("missing X-Job-Id")
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["ok"] != true || body["image"] != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected body: %v", body)
	}
	if got := string(e.proc.lastCall(t).Image); got != "img" {
		t.Errorf("image bytes: got %q", got)
	}
}

func TestProcess_AliasWithoutAPIPrefix(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)
	rr := postJSON(t, e.h, "/analyze-emotion", map[string]string{"imageBase64": b64("face")})
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestProcess_BadInput(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing field", `{}`, "imageBase64 is required"},
		{"bad base64", `{"imageBase64":"%%%"}`, "imageBase64: not valid base64"},
		{"not json", `nope`, "invalid JSON body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, e.h, http.MethodPost, "/api/remove-bg", strings.NewReader(tc.body))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("want 400, got %d", rr.Code)
			}
			var body map[string]any
			decode(t, rr, &body)
			if body["error"] != tc.want {
				t.Errorf("error: got %v, want %q", body["error"], tc.want)
			}
		})
	}
	if len(e.proc.calls) != 0 {
		t.Errorf("processor called for bad input")
	}
}

func TestProcess_TooLarge(t *testing.T) {
	e := newEnv(t, setup{maxBody: 64})
	e.ready(t)
	rr := postJSON(t, e.h, "/api/remove-bg", map[string]string{"imageBase64": b64(strings.Repeat("x", 200))})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rr.Code)
	}
}

func TestProcess_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)
	rr := get(t, e.h, "/api/remove-bg")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Allow"), http.MethodPost) {
		t.Errorf("Allow: got %q", rr.Header().Get("Allow"))
	}
}

func TestProcess_NotConfigured(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)
	e.proc.disabled[processor.OpAnalyzeEmotion] = true
	rr := postJSON(t, e.h, "/api/analyze-emotion", map[string]string{"imageBase64": b64("x")})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
}

func TestProcess_JobFailure(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)
	e.proc.run = func(context.Context, processor.Op, processor.Input) (map[string]any, error) {
		return nil, &processor.ExitError{
			Op:     processor.OpRemoveBackground,
			Stderr: "Traceback: /opt/models/u2net.pth: model exploded",
			Err:    errors.New("exit status 1"),
		}
	}
	rr := postJSON(t, e.h, "/api/remove-bg", map[string]string{"imageBase64": b64("x")})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rr.Code)
	}
	id := rr.Header().Get("X-Job-Id")
	if id == "" {
		t.Fatal("missing X-Job-Id")
	}
	var body map[string]any
	decode(t, rr, &body)
	msg, _ := body["error"].(string)
	if msg != "processing failed (job "+id+")" {
		t.Errorf("error: got %q", msg)
	}
	if strings.Contains(rr.Body.String(), "u2net") || strings.Contains(rr.Body.String(), "exit status") {
		t.Errorf("processor detail leaked to client: %s", rr.Body.String())
	}
}

func TestProcess_Timeout(t *testing.T) {
	e := newEnv(t, setup{queue: admission.Options{Concurrency: 1, JobTimeout: 30 * time.Millisecond}})
	e.ready(t)
	e.proc.run = func(ctx context.Context, _ processor.Op, _ processor.Input) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rr := postJSON(t, e.h, "/api/remove-bg", map[string]string{"imageBase64": b64("x")})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["error"] != "timeout/overload" {
		t.Errorf("error: got %v", body["error"])
	}
	if _, ok := body["queue"].(map[string]any); !ok {
		t.Errorf("missing queue info: %v", body)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestProcess_Overloaded(t *testing.T) {
	e := newEnv(t, setup{queue: admission.Options{Concurrency: 1, MaxPending: 1}})
	e.ready(t)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	e.proc.run = func(ctx context.Context, _ processor.Op, _ processor.Input) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return map[string]any{"image": "x"}, nil
	}

	body := map[string]string{"imageBase64": b64("x")}
	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = postJSON(t, e.h, "/api/remove-bg", body).Code
		}(i)
		if i == 0 {
			<-started
		}
	}
	// Wait for the second request to be parked.
	deadline := time.Now().Add(2 * time.Second)
	for e.queue.Stats().Pending != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("second request never queued: %+v", e.queue.Stats())
		}
		time.Sleep(time.Millisecond)
	}

	rr := postJSON(t, e.h, "/api/remove-bg", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", rr.Code)
	}
	var resp map[string]any
	decode(t, rr, &resp)
	q, _ := resp["queue"].(map[string]any)
	if q["pending"] != float64(1) || q["running"] != float64(1) {
		t.Errorf("queue: got %v", q)
	}

	close(release)
	wg.Wait()
	for i, c := range codes {
		if c != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, c)
		}
	}
}

// --- composite --------------------------------------------------------------

func TestComposite_ResolvesBackground(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)

	rr := postJSON(t, e.h, "/api/composite", map[string]string{
		"fgBase64": b64("fg"),
		"bgKey":    "ocean-sunset-remix.png",
		"mode":     "brush",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Resolved-Asset"); got != "Ocean_Sunset.png" {
		t.Errorf("X-Resolved-Asset: got %q", got)
	}
	in := e.proc.lastCall(t)
	if in.Background != filepath.Join(e.dir, "Ocean_Sunset.png") || in.Mode != "brush" {
		t.Errorf("input: %+v", in)
	}
}

func TestComposite_UnknownBackground(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)

	rr := postJSON(t, e.h, "/api/composite", map[string]string{"fgBase64": b64("fg"), "bgKey": "mountain.png"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["error"] != "background not found" || body["path"] != "mountain.png" {
		t.Errorf("unexpected body: %v", body)
	}
	if len(e.proc.calls) != 0 {
		t.Error("processor called for unknown background")
	}
}

func TestComposite_BadFormat(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)
	rr := postJSON(t, e.h, "/api/composite", map[string]string{"fgBase64": b64("fg"), "out": "bmp"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

// --- assets -----------------------------------------------------------------

func TestAsset_Exact(t *testing.T) {
	e := newEnv(t, setup{})
	rr := get(t, e.h, "/BG_image/Ocean_Sunset.png")
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
	if rr.Body.String() != "png-bytes" {
		t.Errorf("body: got %q", rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("Cache-Control: got %q", cc)
	}
	if rr.Header().Get("X-Resolved-Asset") != "" {
		t.Error("exact hit should not set X-Resolved-Asset")
	}
}

func TestAsset_NormalizedAndFuzzy(t *testing.T) {
	e := newEnv(t, setup{})

	rr := get(t, e.h, "/BG_image/ocean-sunset.PNG")
	if rr.Code != http.StatusOK || rr.Body.String() != "png-bytes" {
		t.Fatalf("normalized: got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Resolved-Asset") != "" {
		t.Error("normalized exact hit should not be fuzzy")
	}

	rr = get(t, e.h, "/BG_image/oceansunsetv2.png")
	if rr.Code != http.StatusOK {
		t.Fatalf("fuzzy: want 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Resolved-Asset"); got != "Ocean_Sunset.png" {
		t.Errorf("X-Resolved-Asset: got %q", got)
	}
}

func TestAsset_FuzzyDisabled(t *testing.T) {
	e := newEnv(t, setup{noFuzzy: true})
	if rr := get(t, e.h, "/BG_image/oceansunsetv2.png"); rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
}

func TestAsset_NotFound(t *testing.T) {
	e := newEnv(t, setup{})
	rr := get(t, e.h, "/BG_image/mountain.png")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["ok"] != false || body["error"] != "not found" || body["path"] != "/BG_image/mountain.png" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestAsset_Index(t *testing.T) {
	e := newEnv(t, setup{})
	rr := get(t, e.h, "/BG_image/_index.json")
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
	var body struct {
		Files []string `json:"files"`
	}
	decode(t, rr, &body)
	if len(body.Files) != 2 {
		t.Errorf("files: got %v", body.Files)
	}
}

func TestBgExists(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)

	rr := get(t, e.h, "/__bg-exists?name=forest.jpg")
	var resp api.BgExistsResponse
	decode(t, rr, &resp)
	if !resp.Exists || resp.Resolved != "forest.jpg" {
		t.Errorf("exact: %+v", resp)
	}

	if rr := get(t, e.h, "/__bg-exists"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing name: want 400, got %d", rr.Code)
	}
}

func TestStatic(t *testing.T) {
	static := t.TempDir()
	writeFile(t, filepath.Join(static, "app.js"), "console.log(1)")
	e := newEnv(t, setup{staticDir: static})

	if rr := get(t, e.h, "/static/app.js"); rr.Code != http.StatusOK || rr.Body.String() != "console.log(1)" {
		t.Errorf("app.js: got %d %q", rr.Code, rr.Body.String())
	}
	for _, path := range []string{"/static/missing.js", "/static/"} {
		if rr := get(t, e.h, path); rr.Code != http.StatusNotFound {
			t.Errorf("%s: want 404, got %d", path, rr.Code)
		}
	}
}

func TestRootStatic_ServedBeforeReady(t *testing.T) {
	static := t.TempDir()
	writeFile(t, filepath.Join(static, "sw.js"), "self.addEventListener('fetch', () => {})")
	writeFile(t, filepath.Join(static, "index.html"), "<html></html>")
	e := newEnv(t, setup{staticDir: static})

	rr := get(t, e.h, "/sw.js")
	if rr.Code != http.StatusOK {
		t.Fatalf("sw.js while starting: want 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "addEventListener") {
		t.Errorf("body: got %q", rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control: got %q", cc)
	}
	if rr := get(t, e.h, "/"); rr.Code != http.StatusOK || rr.Body.String() != "<html></html>" {
		t.Errorf("index: got %d %q", rr.Code, rr.Body.String())
	}

	// Missing root files stay behind the gate, then 404 as JSON.
	if rr := get(t, e.h, "/missing.js"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("missing while starting: want 503, got %d", rr.Code)
	}
	e.ready(t)
	rr = get(t, e.h, "/missing.js")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing after ready: want 404, got %d", rr.Code)
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["path"] != "/missing.js" {
		t.Errorf("path: got %v", body["path"])
	}
	if rr := do(t, e.h, http.MethodPost, "/sw.js", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST sw.js: want 405, got %d", rr.Code)
	}
}

// --- status -----------------------------------------------------------------

func TestStatus_Fields(t *testing.T) {
	e := newEnv(t, setup{})

	rr := get(t, e.h, "/api/status")
	var resp api.StatusResponse
	decode(t, rr, &resp)
	if resp.Ready || resp.State != "starting" || resp.Env != "test" {
		t.Errorf("starting: %+v", resp)
	}
	if len(resp.Diagnostics) == 0 || resp.Diagnostics[0].Key != "warming_up" {
		t.Errorf("diagnostics: %+v", resp.Diagnostics)
	}

	e.ready(t)
	get(t, e.h, "/BG_image/forest.jpg")
	resp = api.StatusResponse{}
	decode(t, get(t, e.h, "/api/status"), &resp)
	if !resp.Ready || resp.ReadyAt == "" || resp.Queue.Limit != 1 {
		t.Errorf("ready: %+v", resp)
	}
	if resp.AI.Provider != "none" || resp.AI.Ready {
		t.Errorf("ai: %+v", resp.AI)
	}
}

func TestRoutes_ListsMounts(t *testing.T) {
	e := newEnv(t, setup{})
	e.h.Mount("/metrics", http.NotFoundHandler())
	var body struct {
		Routes []string `json:"routes"`
	}
	decode(t, get(t, e.h, "/__routes"), &body)
	want := map[string]bool{"/healthz": false, "/metrics": false, "/api/composite": false}
	for _, r := range body.Routes {
		if _, ok := want[r]; ok {
			want[r] = true
		}
	}
	for r, seen := range want {
		if !seen {
			t.Errorf("route %s not listed", r)
		}
	}
}

func TestUnknownRoute_JSON404(t *testing.T) {
	e := newEnv(t, setup{})
	e.ready(t)
	rr := get(t, e.h, "/nope")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
}

// --- end to end -------------------------------------------------------------

func TestBootDelay_EndToEnd(t *testing.T) {
	e := newEnv(t, setup{gate: readiness.Options{BootDelay: 150 * time.Millisecond}})
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	go e.gate.Initialize(context.Background()) //nolint:errcheck

	resp, err := http.Get(srv.URL + "/api/hello")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("during boot: want 503, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz during boot: want 200, got %d", resp.StatusCode)
	}

	select {
	case <-e.gate.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("gate never opened")
	}

	resp, err = http.Get(srv.URL + "/api/hello")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after boot: want 200, got %d", resp.StatusCode)
	}
}
