package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/meartlab/meart/server/internal/config"
)

// Op names one processing operation.
type Op string

const (
	OpRemoveBackground Op = "remove-bg"
	OpAnalyzeEmotion   Op = "analyze-emotion"
	OpComposite        Op = "composite"
)

// maxStderr bounds the stderr tail kept for ExitError.
const maxStderr = 2048

// ErrNotConfigured is returned for an operation without a command.
var ErrNotConfigured = errors.New("processor: operation not configured")

// ExitError reports a command that failed.
type ExitError struct {
	Op     Op
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("processor %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("processor %s: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Input is the payload of one job.
type Input struct {
	// JobID names the job dir; a uuid is used when empty.
	JobID string

	Image      []byte
	Background string
	Mode       string
	Format     string
}

// Runner executes configured operations.
type Runner struct {
	workDir string
	specs   map[Op]config.ProcessorSpec
}

// New builds a Runner from the processors config. Relative arguments that
// name existing files (the scripts) are made absolute against the current
// directory, since commands run inside their job dir.
func New(cfg config.ProcessorsConfig) *Runner {
	base, err := os.Getwd()
	if err != nil {
		slog.Warn("processor: cannot resolve working directory", "err", err)
	}
	return &Runner{
		workDir: cfg.WorkDir,
		specs: map[Op]config.ProcessorSpec{
			OpRemoveBackground: anchor(cfg.RemoveBackground, base),
			OpAnalyzeEmotion:   anchor(cfg.AnalyzeEmotion, base),
			OpComposite:        anchor(cfg.Composite, base),
		},
	}
}

// anchor rewrites relative file arguments of spec to absolute paths under
// base. argv[0] is rewritten only when it names a file in base, so bare
// program names keep their PATH lookup.
func anchor(spec config.ProcessorSpec, base string) config.ProcessorSpec {
	if base == "" || len(spec.Command) == 0 {
		return spec
	}
	cmd := make([]string, len(spec.Command))
	for i, a := range spec.Command {
		cmd[i] = a
		if a == "" || filepath.IsAbs(a) || strings.Contains(a, "{") {
			continue
		}
		p := filepath.Join(base, a)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			cmd[i] = p
		}
	}
	spec.Command = cmd
	return spec
}

// Configured reports whether op has a command.
func (r *Runner) Configured(op Op) bool {
	spec, ok := r.specs[op]
	return ok && len(spec.Command) > 0
}

// Run executes op on in and returns the result under the op's output key.
func (r *Runner) Run(ctx context.Context, op Op, in Input) (map[string]any, error) {
	spec, ok := r.specs[op]
	if !ok || len(spec.Command) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, op)
	}
	if len(in.Image) == 0 {
		return nil, fmt.Errorf("processor %s: empty image", op)
	}

	id := in.JobID
	if id == "" {
		id = uuid.NewString()
	}
	dir, err := os.MkdirTemp(r.workDir, "meart-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("processor %s: create job dir: %w", op, err)
	}
	defer os.RemoveAll(dir)

	format := strings.ToLower(strings.TrimPrefix(in.Format, "."))
	if format == "" {
		format = "png"
	}
	input := filepath.Join(dir, "input"+imageExt(in.Image))
	output := filepath.Join(dir, "output."+format)
	if err := os.WriteFile(input, in.Image, 0o600); err != nil {
		return nil, fmt.Errorf("processor %s: write input: %w", op, err)
	}

	repl := strings.NewReplacer(
		"{input}", input,
		"{output}", output,
		"{background}", in.Background,
		"{mode}", in.Mode,
		"{format}", format,
	)
	argv := make([]string, len(spec.Command))
	for i, a := range spec.Command {
		argv[i] = repl.Replace(a)
	}

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: maxStderr}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	slog.Debug("processor: starting", "op", op, "job", id, "input", humanize.Bytes(uint64(len(in.Image))))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("processor %s: %w", op, ctx.Err())
		}
		return nil, &ExitError{Op: op, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	var value any
	switch spec.Output {
	case config.OutputJSON:
		value, err = lastJSONObject(stdout.Bytes())
	default:
		value, err = dataURI(output)
	}
	if err != nil {
		return nil, fmt.Errorf("processor %s: %w", op, err)
	}

	slog.Info("processor: finished", "op", op, "job", id, "duration", time.Since(start))
	return map[string]any{outputKey(spec, op): value}, nil
}

func outputKey(spec config.ProcessorSpec, op Op) string {
	if spec.OutputKey != "" {
		return spec.OutputKey
	}
	if spec.Output == config.OutputJSON {
		return "result"
	}
	return "image"
}

// imageExt guesses a file extension from the image's magic bytes.
func imageExt(b []byte) string {
	switch http.DetectContentType(b) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

// dataURI reads the result file into a base64 data URI.
func dataURI(p string) (string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read output: %w", err)
	}
	if len(b) == 0 {
		return "", errors.New("empty output")
	}
	return "data:" + http.DetectContentType(b) + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

// lastJSONObject returns the last stdout line that decodes as a JSON object.
// Model loaders tend to print progress lines before the result.
func lastJSONObject(out []byte) (map[string]any, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			return m, nil
		}
	}
	return nil, errors.New("no JSON object in output")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
