// Package api implements the HTTP surface of meart-server.
//
// New(opts) returns a Handler that serves:
//
//	GET  /healthz                 liveness, always 200
//	GET  /readyz                  200 once ready, 503 otherwise
//	GET  /api/status              readiness, queue and catalog counters, hints
//	GET  /__version, /__routes    build info and the registered routes
//	GET  /__bg-exists?name=       whether a background asset resolves
//	POST /api/remove-bg           multipart "image" or JSON {imageBase64}
//	POST /api/analyze-emotion     same input as remove-bg
//	POST /api/composite           JSON {fgBase64, bgKey, mode, out}
//	GET  <asset prefix>{name}     asset bytes, exact name first then resolver
//	GET  <asset prefix>_index.json
//	GET  <static prefix>{path}    plain static files
//
// The processing endpoints are also reachable without the /api prefix.
//
// Every request passes the readiness gate first: while the server is not
// ready, anything outside the gate's exemption list gets 503 without
// reaching a handler. Processing endpoints run through the admission queue.
// All error bodies are JSON of the form {ok:false, error:"..."}.
package api
