package api

import (
	"fmt"
	"sort"

	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/catalog"
	"github.com/meartlab/meart/server/internal/readiness"
)

// DiagnosticHint is one human-readable insight about the server's health.
// The status page shows these as chips; Detail explains the problem in
// plain English.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label shown on the chip.
	Title string `json:"title"`
	// Detail is the full explanation shown on click/hover.
	Detail string `json:"detail"`
	// Value is an optional number associated with the hint.
	Value *float64 `json:"value,omitempty"`
}

type diagnosticInput struct {
	State   readiness.State
	InitErr string
	Queue   admission.Stats
	Catalog catalog.Stats
	Fuzzy   bool
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from a status snapshot, critical first.
func computeDiagnostics(in diagnosticInput) []DiagnosticHint {
	var hints []DiagnosticHint

	switch in.State {
	case readiness.Failed:
		hints = append(hints, DiagnosticHint{
			Key:   "init_failed",
			Level: "critical",
			Title: "Startup failed",
			Detail: fmt.Sprintf(
				"The server could not finish starting up and will keep answering 503 "+
					"on everything except probes. The last error was: %q. "+
					"Fix the dependency and restart the process.",
				in.InitErr,
			),
		})
		return hints
	case readiness.Starting:
		hints = append(hints, DiagnosticHint{
			Key:   "warming_up",
			Level: "info",
			Title: "Warming up",
			Detail: "The server is still checking its dependencies. " +
				"Processing routes return 503 with a Retry-After header until it is ready. " +
				"No action needed.",
		})
	}

	q := in.Queue
	if q.Limit > 0 && q.Running >= q.Limit && q.Pending > 0 {
		v := float64(q.Pending)
		level := "warning"
		if q.MaxPending > 0 && q.Pending >= q.MaxPending {
			level = "critical"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "queue_saturated",
			Level: level,
			Title: fmt.Sprintf("%d jobs waiting", q.Pending),
			Detail: fmt.Sprintf(
				"All %d processing slots are busy and %d more jobs are waiting their turn. "+
					"Requests will get slower, and once the wait line is full new ones are "+
					"turned away with 429. Consider raising concurrency_limit if the host has headroom.",
				q.Limit, q.Pending,
			),
			Value: &v,
		})
	}
	if q.Rejected > 0 {
		v := float64(q.Rejected)
		hints = append(hints, DiagnosticHint{
			Key:   "queue_rejecting",
			Level: "warning",
			Title: fmt.Sprintf("%d rejected", q.Rejected),
			Detail: fmt.Sprintf(
				"%d requests have been turned away because the queue was full or they "+
					"waited too long for a slot. Clients were told to retry later.",
				q.Rejected,
			),
			Value: &v,
		})
	}
	if q.TimedOut > 0 {
		v := float64(q.TimedOut)
		hints = append(hints, DiagnosticHint{
			Key:   "job_timeouts",
			Level: "warning",
			Title: fmt.Sprintf("%d timeouts", q.TimedOut),
			Detail: fmt.Sprintf(
				"%d jobs ran past job_timeout and were answered with 503. "+
					"The processing scripts may be too slow for this host, or the "+
					"timeout is set too tight for large images.",
				q.TimedOut,
			),
			Value: &v,
		})
	}

	if in.State == readiness.Ready && in.Catalog.Entries == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "catalog_empty",
			Level: "warning",
			Title: "No backgrounds",
			Detail: "The background directory has no images with a known extension. " +
				"Every asset request and every composite with a bgKey will 404. " +
				"Check catalog.dir and that the deployment copied the images.",
		})
	}
	if in.Fuzzy {
		hints = append(hints, DiagnosticHint{
			Key:   "fuzzy_enabled",
			Level: "info",
			Title: "Fuzzy lookup on",
			Detail: "Asset names that don't match exactly fall back to a prefix match. " +
				"Responses served this way carry an X-Resolved-Asset header naming the real file.",
		})
	}

	if !hasProblem(hints) && in.State == readiness.Ready {
		hints = append(hints, DiagnosticHint{
			Key:   "healthy",
			Level: "ok",
			Title: "All clear",
			Detail: fmt.Sprintf(
				"The server is ready, %d backgrounds are indexed and the queue is keeping up "+
					"(%d completed, %d failed).",
				in.Catalog.Entries, q.Completed, q.Failed,
			),
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}

func hasProblem(hints []DiagnosticHint) bool {
	for _, h := range hints {
		if h.Level == "warning" || h.Level == "critical" {
			return true
		}
	}
	return false
}
