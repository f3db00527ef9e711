package api

import (
	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/catalog"
)

// HealthzResponse is the payload for GET /healthz.
type HealthzResponse struct {
	OK     bool    `json:"ok"`
	TS     int64   `json:"ts"`     // unix milliseconds
	Uptime float64 `json:"uptime"` // seconds
}

// ReadyzResponse is the payload for GET /readyz.
type ReadyzResponse struct {
	Ready bool   `json:"ready"`
	TS    int64  `json:"ts"`
	State string `json:"state,omitempty"`
}

// StatusResponse is the payload for GET /api/status and the websocket
// status stream.
type StatusResponse struct {
	OK          bool             `json:"ok"`
	Env         string           `json:"env"`
	TS          int64            `json:"ts"`
	Uptime      float64          `json:"uptime"`
	Ready       bool             `json:"ready"`
	State       string           `json:"state"`
	StartedAt   string           `json:"started_at"`         // RFC3339
	ReadyAt     string           `json:"ready_at,omitempty"` // RFC3339
	InitError   string           `json:"init_error,omitempty"`
	Queue       admission.Stats  `json:"queue"`
	Catalog     catalog.Stats    `json:"catalog"`
	AI          AIStatus         `json:"ai"`
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

// AIStatus reports the optional hosted AI provider.
type AIStatus struct {
	Provider string `json:"provider"`
	Ready    bool   `json:"ready"`
	Reason   string `json:"reason"`
}

// QueueInfo is the queue summary attached to backpressure responses.
type QueueInfo struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// VersionResponse is the payload for GET /__version.
type VersionResponse struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version"`
	Go        string `json:"go"`
	StartedAt string `json:"started_at"`
}

// BgExistsResponse is the payload for GET /__bg-exists.
type BgExistsResponse struct {
	OK       bool   `json:"ok"`
	Name     string `json:"name"`
	Exists   bool   `json:"exists"`
	Resolved string `json:"resolved,omitempty"`
	Fuzzy    bool   `json:"fuzzy"`
}

// ImageRequest is the JSON body accepted by remove-bg and analyze-emotion.
type ImageRequest struct {
	ImageBase64 string `json:"imageBase64" validate:"required"`
}

// CompositeRequest is the JSON body of POST /api/composite.
type CompositeRequest struct {
	FgBase64 string `json:"fgBase64" validate:"required"`
	BgKey    string `json:"bgKey" validate:"omitempty,max=256"`
	Mode     string `json:"mode" validate:"omitempty,max=64,printascii"`
	Out      string `json:"out" validate:"omitempty,oneof=png jpg jpeg webp"`
}

type errorResponse struct {
	OK    bool       `json:"ok"`
	Error string     `json:"error"`
	Path  string     `json:"path,omitempty"`
	State string     `json:"state,omitempty"`
	Queue *QueueInfo `json:"queue,omitempty"`
}
