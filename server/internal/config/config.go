package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 10000
	DefaultMaxBodySize      = ByteSize(25 << 20)
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultReadHeader       = 10 * time.Second
	DefaultConcurrency      = 1
	DefaultMaxPending       = 8
	DefaultJobTimeout       = 60 * time.Second
	DefaultRetryAfter       = 5 * time.Second
	DefaultCheckTimeout     = 10 * time.Second
	DefaultAssetDir         = "public/BG_image"
	DefaultAssetPrefix      = "/BG_image/"
	DefaultCacheTTL         = time.Hour
	DefaultMinRescan        = time.Second
	DefaultStaticDir        = "public"
	DefaultStaticPrefix     = "/static/"
	DefaultStreamInterval   = 5 * time.Second
	DefaultProcessorWorkDir = ""
)

// DefaultExtensions are the asset file extensions indexed by the catalog.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// Dependency types understood by the readiness checks.
const (
	DependencyHTTP    = "http"
	DependencyMetrics = "metrics"
	DependencyEnv     = "env"
	DependencyCommand = "command"
	DependencyDir     = "dir"
)

// Processor output kinds.
const (
	OutputFile = "file"
	OutputJSON = "json"
)

// Config is the complete server configuration.
type Config struct {
	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// Env is reported by /api/status (e.g. production, staging).
	Env string `yaml:"env"`

	Server     ServerConfig     `yaml:"server"`
	Readiness  ReadinessConfig  `yaml:"readiness"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Static     StaticConfig     `yaml:"static"`
	Processors ProcessorsConfig `yaml:"processors"`
	Status     StatusConfig     `yaml:"status"`
	AI         AIConfig         `yaml:"ai"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPPort is the port the HTTP API listens on (default 10000).
	HTTPPort int `yaml:"http_port"`

	// GRPCPort is the port of the gRPC health service. Zero disables it.
	GRPCPort int `yaml:"grpc_port"`

	// MaxBodySize is the upload size ceiling, e.g. "25mb" or 26214400.
	MaxBodySize ByteSize `yaml:"max_body_size"`

	// ShutdownTimeout bounds graceful shutdown of the listeners.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// ReadinessConfig controls startup initialization.
type ReadinessConfig struct {
	// BootDelay is a simulated (or real) startup latency applied before the
	// dependency checks run.
	BootDelay time.Duration `yaml:"boot_delay"`

	// CheckTimeout bounds each individual dependency check.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// Dependencies must all pass before the server reports ready.
	Dependencies []Dependency `yaml:"dependencies"`
}

// Dependency describes one startup dependency check.
type Dependency struct {
	// Name identifies the dependency in logs and errors.
	Name string `yaml:"name"`

	// Type is one of: http | metrics | env | command | dir.
	Type string `yaml:"type"`

	// Target is the URL (http, metrics), executable (command) or path (dir).
	Target string `yaml:"target"`

	// Require lists metric family names that must be present (metrics only).
	Require []string `yaml:"require"`

	// Env lists environment variables that must be non-empty (env only).
	Env []string `yaml:"env"`
}

// AdmissionConfig bounds concurrent execution of processing jobs.
type AdmissionConfig struct {
	// ConcurrencyLimit is the number of jobs allowed to run at once.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// MaxPending is the number of jobs allowed to wait for a slot.
	// Zero means waiting is unbounded.
	MaxPending int `yaml:"max_pending"`

	// JobTimeout is how long a running job may take before the caller is told
	// it timed out.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// QueueWait bounds the time a job may spend pending. Zero means the wait
	// is bounded only by the caller's request.
	QueueWait time.Duration `yaml:"queue_wait"`

	// RetryAfter is advertised to clients on backpressure responses.
	RetryAfter time.Duration `yaml:"retry_after"`
}

// CatalogConfig controls the asset resolver.
type CatalogConfig struct {
	// Dir is the asset directory indexed by the catalog.
	Dir string `yaml:"dir"`

	// Prefix is the URL path prefix assets are served under, e.g. "/BG_image/".
	Prefix string `yaml:"prefix"`

	// Extensions are the indexed file extensions, lower case with leading dot.
	Extensions []string `yaml:"extensions"`

	// Fuzzy enables approximate matching when no normalized key matches.
	Fuzzy *bool `yaml:"fuzzy"`

	// CacheTTL is how long a resolution is remembered. Zero keeps entries
	// until they are detected stale.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// MinRescan throttles directory rescans triggered by lookup misses.
	MinRescan time.Duration `yaml:"min_rescan"`

	// Watch enables filesystem notifications that invalidate the index.
	Watch *bool `yaml:"watch"`
}

// FuzzyEnabled reports whether approximate matching is on (default true).
func (c CatalogConfig) FuzzyEnabled() bool { return c.Fuzzy == nil || *c.Fuzzy }

// WatchEnabled reports whether the asset dir is watched (default true).
func (c CatalogConfig) WatchEnabled() bool { return c.Watch == nil || *c.Watch }

// StaticConfig controls plain static file serving.
type StaticConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// ProcessorsConfig holds the command lines of the external image jobs.
type ProcessorsConfig struct {
	// WorkDir is where per-job temp directories are created. Empty means the
	// system temp dir.
	WorkDir string `yaml:"work_dir"`

	RemoveBackground ProcessorSpec `yaml:"remove_bg"`
	AnalyzeEmotion   ProcessorSpec `yaml:"analyze_emotion"`
	Composite        ProcessorSpec `yaml:"composite"`
}

// ProcessorSpec is one external command.
type ProcessorSpec struct {
	// Command is the argv, with placeholders {input}, {output}, {background},
	// {mode} and {format}.
	Command []string `yaml:"command"`

	// Output is one of: file | json.
	Output string `yaml:"output"`

	// OutputKey is the response field the result is returned under.
	OutputKey string `yaml:"output_key"`
}

// StatusConfig controls the status stream.
type StatusConfig struct {
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// AIConfig describes the optional hosted AI provider. It is informational
// only and never gates readiness.
type AIConfig struct {
	// Provider is one of: openai | replicate | none.
	Provider string `yaml:"provider"`

	// OpenAIKeyEnv is the name of the environment variable holding the OpenAI key.
	OpenAIKeyEnv string `yaml:"openai_key_env"`

	// ReplicateKeyEnv is the name of the environment variable holding the Replicate token.
	ReplicateKeyEnv string `yaml:"replicate_key_env"`
}

// Status reports whether the configured provider has its credentials and why not.
func (a AIConfig) Status() (provider string, ready bool, reason string) {
	provider = strings.ToLower(a.Provider)
	switch provider {
	case "openai":
		if os.Getenv(a.OpenAIKeyEnv) == "" {
			return provider, false, "missing " + a.OpenAIKeyEnv
		}
		return provider, true, "ok"
	case "replicate":
		if os.Getenv(a.ReplicateKeyEnv) == "" {
			return provider, false, "missing " + a.ReplicateKeyEnv
		}
		return provider, true, "ok"
	case "", "none":
		return "none", false, "disabled"
	default:
		return provider, false, "unknown provider"
	}
}

// ByteSize is a size in bytes that also accepts human strings like "25mb".
type ByteSize int64

// UnmarshalYAML accepts either an integer or a human-readable size.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// ParseByteSize parses "26214400", "25mb" or "25MiB". The two-letter units
// kb, mb, gb and tb are binary, so "25mb" is 25 MiB, the same as the
// limit strings of the Express body parsers.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(binaryUnits(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func binaryUnits(s string) string {
	lower := strings.ToLower(s)
	for _, u := range []string{"kb", "mb", "gb", "tb"} {
		if strings.HasSuffix(lower, u) {
			return s[:len(s)-2] + u[:1] + "ib"
		}
	}
	return s
}

// Load reads the config file at path, applies environment overrides and
// validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Env:      "production",
		Server: ServerConfig{
			HTTPPort:          DefaultHTTPPort,
			MaxBodySize:       DefaultMaxBodySize,
			ShutdownTimeout:   DefaultShutdownTimeout,
			ReadHeaderTimeout: DefaultReadHeader,
		},
		Readiness: ReadinessConfig{
			CheckTimeout: DefaultCheckTimeout,
		},
		Admission: AdmissionConfig{
			ConcurrencyLimit: DefaultConcurrency,
			MaxPending:       DefaultMaxPending,
			JobTimeout:       DefaultJobTimeout,
			RetryAfter:       DefaultRetryAfter,
		},
		Catalog: CatalogConfig{
			Dir:        DefaultAssetDir,
			Prefix:     DefaultAssetPrefix,
			Extensions: append([]string(nil), DefaultExtensions...),
			CacheTTL:   DefaultCacheTTL,
			MinRescan:  DefaultMinRescan,
		},
		Static: StaticConfig{
			Dir:    DefaultStaticDir,
			Prefix: DefaultStaticPrefix,
		},
		Processors: ProcessorsConfig{
			WorkDir: DefaultProcessorWorkDir,
			RemoveBackground: ProcessorSpec{
				Command:   []string{"python3", "u2net_remove_bg.py", "{input}", "{output}"},
				Output:    OutputFile,
				OutputKey: "image",
			},
			AnalyzeEmotion: ProcessorSpec{
				Command:   []string{"python3", "emotion_analysis.py", "{input}"},
				Output:    OutputJSON,
				OutputKey: "result",
			},
			Composite: ProcessorSpec{
				Command:   []string{"python3", "brush_effect.py", "{input}", "{background}", "{output}", "{mode}"},
				Output:    OutputFile,
				OutputKey: "compositeBase64",
			},
		},
		Status: StatusConfig{
			StreamInterval: DefaultStreamInterval,
		},
		AI: AIConfig{
			Provider:        "none",
			OpenAIKeyEnv:    "OPENAI_API_KEY",
			ReplicateKeyEnv: "REPLICATE_API_TOKEN",
		},
	}
}

// applyEnv overlays the environment-style options on cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %q is not an integer", key, v)
			return
		}
		*dst = n
	}
	millis := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" || err != nil {
			return
		}
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%s: %q is not a number of milliseconds", key, v)
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}
	flag := func(key string, dst **bool) {
		v, ok := lookup(key)
		if !ok || v == "" || err != nil {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("%s: %q is not a boolean", key, v)
			return
		}
		*dst = &b
	}

	num("PORT", &cfg.Server.HTTPPort)
	num("GRPC_PORT", &cfg.Server.GRPCPort)
	num("CONCURRENCY_LIMIT", &cfg.Admission.ConcurrencyLimit)
	num("MAX_PENDING", &cfg.Admission.MaxPending)
	millis("JOB_TIMEOUT_MS", &cfg.Admission.JobTimeout)
	millis("QUEUE_WAIT_MS", &cfg.Admission.QueueWait)
	millis("BOOT_DELAY_MS", &cfg.Readiness.BootDelay)
	str("ASSET_DIR", &cfg.Catalog.Dir)
	str("STATIC_DIR", &cfg.Static.Dir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("NODE_ENV", &cfg.Env)
	str("APP_ENV", &cfg.Env)
	str("AI_PROVIDER", &cfg.AI.Provider)
	flag("FUZZY_MATCH", &cfg.Catalog.Fuzzy)

	if v, ok := lookup("MAX_BODY"); ok && v != "" && err == nil {
		n, perr := ParseByteSize(v)
		if perr != nil {
			return fmt.Errorf("MAX_BODY: %w", perr)
		}
		cfg.Server.MaxBodySize = n
	}
	return err
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q unknown: want debug|info|warn|error", cfg.LogLevel)
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	if cfg.Server.GRPCPort != 0 && cfg.Server.GRPCPort == cfg.Server.HTTPPort {
		return fmt.Errorf("server.grpc_port must differ from server.http_port")
	}
	if cfg.Server.MaxBodySize <= 0 {
		return fmt.Errorf("server.max_body_size must be positive")
	}
	if cfg.Admission.ConcurrencyLimit < 1 {
		return fmt.Errorf("admission.concurrency_limit must be at least 1, got %d", cfg.Admission.ConcurrencyLimit)
	}
	if cfg.Admission.MaxPending < 0 {
		return fmt.Errorf("admission.max_pending must not be negative")
	}
	if cfg.Admission.JobTimeout <= 0 {
		return fmt.Errorf("admission.job_timeout must be positive")
	}
	for name, d := range map[string]time.Duration{
		"admission.queue_wait":       cfg.Admission.QueueWait,
		"admission.retry_after":      cfg.Admission.RetryAfter,
		"readiness.boot_delay":       cfg.Readiness.BootDelay,
		"readiness.check_timeout":    cfg.Readiness.CheckTimeout,
		"catalog.cache_ttl":          cfg.Catalog.CacheTTL,
		"catalog.min_rescan":         cfg.Catalog.MinRescan,
		"server.shutdown_timeout":    cfg.Server.ShutdownTimeout,
		"server.read_header_timeout": cfg.Server.ReadHeaderTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.Status.StreamInterval <= 0 {
		return fmt.Errorf("status.stream_interval must be positive")
	}
	if !validPrefix(cfg.Catalog.Prefix) {
		return fmt.Errorf("catalog.prefix %q must start and end with '/'", cfg.Catalog.Prefix)
	}
	if !validPrefix(cfg.Static.Prefix) {
		return fmt.Errorf("static.prefix %q must start and end with '/'", cfg.Static.Prefix)
	}
	if cfg.Catalog.Prefix == cfg.Static.Prefix {
		return fmt.Errorf("catalog.prefix and static.prefix must differ")
	}
	if cfg.Catalog.Dir == "" {
		return fmt.Errorf("catalog.dir is required")
	}
	for i, ext := range cfg.Catalog.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("catalog.extensions[%d] %q must look like .jpg", i, ext)
		}
		cfg.Catalog.Extensions[i] = strings.ToLower(ext)
	}
	for i, d := range cfg.Readiness.Dependencies {
		if d.Name == "" {
			return fmt.Errorf("readiness.dependencies[%d].name is required", i)
		}
		switch d.Type {
		case DependencyHTTP, DependencyMetrics, DependencyCommand, DependencyDir:
			if d.Target == "" {
				return fmt.Errorf("readiness.dependencies[%d] (%s): target is required for type %s", i, d.Name, d.Type)
			}
		case DependencyEnv:
			if len(d.Env) == 0 {
				return fmt.Errorf("readiness.dependencies[%d] (%s): env list is required", i, d.Name)
			}
		default:
			return fmt.Errorf("readiness.dependencies[%d] (%s): type %q unknown: want http|metrics|env|command|dir", i, d.Name, d.Type)
		}
	}
	for name, p := range map[string]ProcessorSpec{
		"remove_bg":       cfg.Processors.RemoveBackground,
		"analyze_emotion": cfg.Processors.AnalyzeEmotion,
		"composite":       cfg.Processors.Composite,
	} {
		switch p.Output {
		case OutputFile, OutputJSON, "":
		default:
			return fmt.Errorf("processors.%s.output %q unknown: want file|json", name, p.Output)
		}
	}
	return nil
}

func validPrefix(p string) bool {
	return len(p) >= 3 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/")
}
