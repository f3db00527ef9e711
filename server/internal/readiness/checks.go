package readiness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/meartlab/meart/server/internal/config"
)

// Check is one startup dependency.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcCheck) Name() string                    { return f.name }
func (f funcCheck) Check(ctx context.Context) error { return f.fn(ctx) }

// Func adapts fn into a Check.
func Func(name string, fn func(ctx context.Context) error) Check {
	return funcCheck{name: name, fn: fn}
}

// DirCheck requires Path to be a listable directory.
type DirCheck struct {
	CheckName string
	Path      string
}

func (d DirCheck) Name() string { return d.CheckName }

func (d DirCheck) Check(ctx context.Context) error {
	fi, err := os.Stat(d.Path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", d.Path)
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return fmt.Errorf("list %s: %w", d.Path, err)
	}
	return ctx.Err()
}

// EnvCheck requires every variable in Vars to be non-empty.
type EnvCheck struct {
	CheckName string
	Vars      []string
}

func (e EnvCheck) Name() string { return e.CheckName }

func (e EnvCheck) Check(context.Context) error {
	var missing []string
	for _, v := range e.Vars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CommandCheck requires Command to be resolvable on PATH.
type CommandCheck struct {
	CheckName string
	Command   string
}

func (c CommandCheck) Name() string { return c.CheckName }

func (c CommandCheck) Check(context.Context) error {
	_, err := exec.LookPath(c.Command)
	return err
}

// HTTPCheck requires a GET of URL to answer 2xx.
type HTTPCheck struct {
	CheckName string
	URL       string
	Client    *http.Client
}

func (h HTTPCheck) Name() string { return h.CheckName }

func (h HTTPCheck) Check(ctx context.Context) error {
	resp, err := get(ctx, h.Client, h.URL, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// MetricsCheck scrapes a Prometheus text exposition and requires every
// family in Require to be present. It is used for model servers that expose
// their own /metrics once loaded.
type MetricsCheck struct {
	CheckName string
	URL       string
	Require   []string
	Client    *http.Client
}

func (m MetricsCheck) Name() string { return m.CheckName }

func (m MetricsCheck) Check(ctx context.Context) error {
	mfs, err := fetchMetrics(ctx, m.Client, m.URL)
	if err != nil {
		return err
	}
	var missing []string
	for _, name := range m.Require {
		if mf := mfs[name]; mf == nil || len(mf.GetMetric()) == 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing metric families: %s", strings.Join(missing, ", "))
	}
	return nil
}

func get(ctx context.Context, client *http.Client, url, accept string) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	return resp, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	resp, err := get(ctx, client, url, string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition. A partial parse with at
// least one family is accepted.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// ChecksFromConfig builds the configured dependency checks.
func ChecksFromConfig(deps []config.Dependency, client *http.Client) ([]Check, error) {
	checks := make([]Check, 0, len(deps))
	for _, d := range deps {
		switch d.Type {
		case config.DependencyHTTP:
			checks = append(checks, HTTPCheck{CheckName: d.Name, URL: d.Target, Client: client})
		case config.DependencyMetrics:
			checks = append(checks, MetricsCheck{CheckName: d.Name, URL: d.Target, Require: d.Require, Client: client})
		case config.DependencyEnv:
			checks = append(checks, EnvCheck{CheckName: d.Name, Vars: d.Env})
		case config.DependencyCommand:
			checks = append(checks, CommandCheck{CheckName: d.Name, Command: d.Target})
		case config.DependencyDir:
			checks = append(checks, DirCheck{CheckName: d.Name, Path: d.Target})
		default:
			return nil, fmt.Errorf("readiness: dependency %q: unsupported type %q", d.Name, d.Type)
		}
	}
	return checks, nil
}
