package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the gate's lifecycle state.
type State int32

const (
	Starting State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotReady is reported for gated requests while the gate is not Ready.
	ErrNotReady = errors.New("server not ready")

	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("readiness: already initialized")
)

// CheckError identifies the dependency whose check failed.
type CheckError struct {
	Name string
	Err  error
}

func (e *CheckError) Error() string { return fmt.Sprintf("dependency %q: %v", e.Name, e.Err) }
func (e *CheckError) Unwrap() error { return e.Err }

// Observer is notified once when the gate leaves Starting.
type Observer interface {
	GateChanged(s State, elapsed time.Duration)
}

// Options configures a Gate.
type Options struct {
	// BootDelay is waited before the checks run.
	BootDelay time.Duration

	// CheckTimeout bounds each check. Zero means no per-check bound.
	CheckTimeout time.Duration

	Checks     []Check
	Exemptions Exemptions
	Observer   Observer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Gate tracks whether the process may accept functional traffic.
type Gate struct {
	opts Options

	state    atomic.Int32
	initCall atomic.Bool
	done     chan struct{}

	startedAt time.Time

	mu      sync.Mutex
	readyAt time.Time
	err     error
}

// New returns a Gate in the Starting state.
func New(opts Options) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Gate{
		opts: opts,
		done: make(chan struct{}),
	}
	g.startedAt = opts.Now()
	return g
}

// Initialize waits BootDelay, runs every check in parallel and moves the
// gate to Ready on success or Failed on the first error. A failure is
// terminal: callers are expected to exit the process.
func (g *Gate) Initialize(ctx context.Context) error {
	if !g.initCall.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	err := g.run(ctx)
	if err != nil {
		g.finish(Failed, err)
		slog.Error("readiness: server init failed", "err", err, "elapsed", g.opts.Now().Sub(g.startedAt))
		return fmt.Errorf("readiness: %w", err)
	}
	g.finish(Ready, nil)
	slog.Info("readiness: server ready", "elapsed", g.opts.Now().Sub(g.startedAt), "checks", len(g.opts.Checks))
	return nil
}

func (g *Gate) run(ctx context.Context) error {
	if d := g.opts.BootDelay; d > 0 {
		slog.Info("readiness: boot delay", "delay", d)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range g.opts.Checks {
		eg.Go(func() error {
			cctx := egCtx
			if g.opts.CheckTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(egCtx, g.opts.CheckTimeout)
				defer cancel()
			}
			start := time.Now()
			if err := c.Check(cctx); err != nil {
				return &CheckError{Name: c.Name(), Err: err}
			}
			slog.Debug("readiness: check passed", "check", c.Name(), "duration", time.Since(start))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	// Cancellation during init counts as failure even with no checks.
	return ctx.Err()
}

// finish records the terminal state. Only the first caller wins.
func (g *Gate) finish(s State, err error) {
	now := g.opts.Now()
	g.mu.Lock()
	if s == Ready {
		g.readyAt = now
	}
	g.err = err
	g.mu.Unlock()

	if !g.state.CompareAndSwap(int32(Starting), int32(s)) {
		return
	}
	close(g.done)
	if g.opts.Observer != nil {
		g.opts.Observer.GateChanged(s, now.Sub(g.startedAt))
	}
}

// IsReady reports whether the gate reached Ready.
func (g *Gate) IsReady() bool { return State(g.state.Load()) == Ready }

// State returns the current state.
func (g *Gate) State() State { return State(g.state.Load()) }

// Done is closed when the gate leaves Starting.
func (g *Gate) Done() <-chan struct{} { return g.done }

// StartedAt is when the gate was created.
func (g *Gate) StartedAt() time.Time { return g.startedAt }

// ReadyAt is when the gate became Ready. ok is false until then.
func (g *Gate) ReadyAt() (t time.Time, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyAt, !g.readyAt.IsZero()
}

// Err returns the initialization failure, if any.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Exempt reports whether the request bypasses the gate in every state.
func (g *Gate) Exempt(path, method string) bool {
	return g.opts.Exemptions.Match(path, method)
}

// Allow reports whether a request for path/method may proceed now.
func (g *Gate) Allow(path, method string) bool {
	return g.IsReady() || g.Exempt(path, method)
}

// Exemptions is the allow-list consulted while the gate is not Ready.
type Exemptions struct {
	Paths    []string
	Prefixes []string
	Methods  []string
}

// DefaultExemptions returns the probe, status and metrics paths plus the
// given static prefixes, with HEAD and OPTIONS always allowed.
func DefaultExemptions(prefixes ...string) Exemptions {
	e := Exemptions{
		Paths:   []string{"/healthz", "/readyz", "/api/status", "/favicon.ico", "/metrics", "/ws/status", "/__version", "/__routes"},
		Methods: []string{http.MethodHead, http.MethodOptions},
	}
	for _, p := range prefixes {
		if p != "" {
			e.Prefixes = append(e.Prefixes, p)
		}
	}
	return e
}

// Match reports whether path or method is on the allow-list.
func (e Exemptions) Match(path, method string) bool {
	for _, m := range e.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	for _, p := range e.Paths {
		if p == path {
			return true
		}
	}
	for _, p := range e.Prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
