package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meartlab/meart/server/internal/config"
)

// onePixelPNG is a 1x1 PNG.
var onePixelPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR4nGMAAQAABQABDQottQAAAABJRU5ErkJggg==")

func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func runner(t *testing.T, op Op, spec config.ProcessorSpec) *Runner {
	t.Helper()
	cfg := config.ProcessorsConfig{WorkDir: t.TempDir()}
	switch op {
	case OpRemoveBackground:
		cfg.RemoveBackground = spec
	case OpAnalyzeEmotion:
		cfg.AnalyzeEmotion = spec
	case OpComposite:
		cfg.Composite = spec
	}
	return New(cfg)
}

func TestRun_FileOutput(t *testing.T) {
	s := script(t, `cp "$1" "$2"`)
	r := runner(t, OpRemoveBackground, config.ProcessorSpec{
		Command: []string{"/bin/sh", s, "{input}", "{output}"},
		Output:  config.OutputFile, OutputKey: "image",
	})

	out, err := r.Run(context.Background(), OpRemoveBackground, Input{Image: onePixelPNG})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := out["image"].(string)
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(onePixelPNG)
	if got != want {
		t.Errorf("image: got %.60q..., want %.60q...", got, want)
	}
}

func TestRun_InputKeepsImageExtension(t *testing.T) {
	s := script(t, `case "$1" in *.png) cp "$1" "$2";; *) exit 9;; esac`)
	r := runner(t, OpRemoveBackground, config.ProcessorSpec{
		Command: []string{"/bin/sh", s, "{input}", "{output}"},
		Output:  config.OutputFile,
	})
	out, err := r.Run(context.Background(), OpRemoveBackground, Input{Image: onePixelPNG})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := out["image"]; !ok {
		t.Errorf("default output key: got %v", out)
	}
}

func TestRun_JSONOutput(t *testing.T) {
	s := script(t, `echo "loading model..."
echo '{"emotion":"calm","score":0.9}'`)
	r := runner(t, OpAnalyzeEmotion, config.ProcessorSpec{
		Command: []string{"/bin/sh", s, "{input}"},
		Output:  config.OutputJSON, OutputKey: "result",
	})

	out, err := r.Run(context.Background(), OpAnalyzeEmotion, Input{Image: onePixelPNG})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, ok := out["result"].(map[string]any)
	if !ok {
		t.Fatalf("result: got %T", out["result"])
	}
	if res["emotion"] != "calm" {
		t.Errorf("emotion: got %v, want calm", res["emotion"])
	}
}

func TestRun_JSONOutputMissing(t *testing.T) {
	s := script(t, `echo "no json here"`)
	r := runner(t, OpAnalyzeEmotion, config.ProcessorSpec{
		Command: []string{"/bin/sh", s}, Output: config.OutputJSON,
	})
	_, err := r.Run(context.Background(), OpAnalyzeEmotion, Input{Image: onePixelPNG})
	if err == nil || !strings.Contains(err.Error(), "no JSON object") {
		t.Errorf("got %v, want no JSON object error", err)
	}
}

func TestRun_Placeholders(t *testing.T) {
	s := script(t, `printf '{"bg":"%s","mode":"%s","format":"%s"}\n' "$1" "$2" "$3"`)
	r := runner(t, OpComposite, config.ProcessorSpec{
		Command: []string{"/bin/sh", s, "{background}", "{mode}", "{format}"},
		Output:  config.OutputJSON, OutputKey: "meta",
	})
	out, err := r.Run(context.Background(), OpComposite, Input{
		Image: onePixelPNG, Background: "/assets/bg.jpg", Mode: "brush", Format: ".JPG",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	meta := out["meta"].(map[string]any)
	if meta["bg"] != "/assets/bg.jpg" || meta["mode"] != "brush" || meta["format"] != "jpg" {
		t.Errorf("meta: got %v", meta)
	}
}

func TestRun_ExitError(t *testing.T) {
	s := script(t, `echo "onnx model missing" >&2; exit 3`)
	r := runner(t, OpRemoveBackground, config.ProcessorSpec{
		Command: []string{"/bin/sh", s}, Output: config.OutputFile,
	})
	_, err := r.Run(context.Background(), OpRemoveBackground, Input{Image: onePixelPNG})

	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("got %v, want *ExitError", err)
	}
	if ee.Op != OpRemoveBackground || ee.Stderr != "onnx model missing" {
		t.Errorf("ExitError: got %+v", ee)
	}
}

func TestRun_KilledOnCancel(t *testing.T) {
	s := script(t, `sleep 5`)
	r := runner(t, OpRemoveBackground, config.ProcessorSpec{
		Command: []string{"/bin/sh", s}, Output: config.OutputFile,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Run(ctx, OpRemoveBackground, Input{Image: onePixelPNG})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Run took %v after cancellation", elapsed)
	}
}

func TestRun_JobDirRemoved(t *testing.T) {
	s := script(t, `printf '{"dir":"%s"}\n' "$(pwd)"`)
	r := runner(t, OpAnalyzeEmotion, config.ProcessorSpec{
		Command: []string{"/bin/sh", s}, Output: config.OutputJSON,
	})
	out, err := r.Run(context.Background(), OpAnalyzeEmotion, Input{Image: onePixelPNG, JobID: "abc"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	dir := out["result"].(map[string]any)["dir"].(string)
	if !strings.Contains(filepath.Base(dir), "meart-abc-") {
		t.Errorf("job dir %q not named after job id", dir)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("job dir %q still exists (err=%v)", dir, err)
	}
}

func TestRun_RelativeScriptPath(t *testing.T) {
	dir := t.TempDir()
	body := "#!/bin/sh\nprintf '{\"size\":%s}\\n' \"$(wc -c < \"$1\")\"\n"
	if err := os.WriteFile(filepath.Join(dir, "emotion_analysis.sh"), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	r := runner(t, OpAnalyzeEmotion, config.ProcessorSpec{
		Command: []string{"sh", "emotion_analysis.sh", "{input}"},
		Output:  config.OutputJSON, OutputKey: "result",
	})
	if got := r.specs[OpAnalyzeEmotion].Command; got[0] != "sh" || got[1] != filepath.Join(dir, "emotion_analysis.sh") || got[2] != "{input}" {
		t.Errorf("command: got %q", got)
	}

	out, err := r.Run(context.Background(), OpAnalyzeEmotion, Input{Image: onePixelPNG})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := out["result"].(map[string]any)
	if res["size"] != float64(len(onePixelPNG)) {
		t.Errorf("size: got %v, want %d", res["size"], len(onePixelPNG))
	}
}

func TestRun_NotConfigured(t *testing.T) {
	r := New(config.ProcessorsConfig{})
	if r.Configured(OpComposite) {
		t.Error("Configured: got true for empty command")
	}
	_, err := r.Run(context.Background(), OpComposite, Input{Image: onePixelPNG})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

func TestRun_EmptyImage(t *testing.T) {
	r := runner(t, OpRemoveBackground, config.ProcessorSpec{Command: []string{"true"}})
	if _, err := r.Run(context.Background(), OpRemoveBackground, Input{}); err == nil {
		t.Error("expected error for empty image")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	if tb.String() != "world" {
		t.Errorf("got %q, want world", tb.String())
	}
}
