// Package readiness implements the process-wide readiness gate.
//
// A Gate starts in Starting and moves exactly once to Ready or Failed when
// Initialize finishes. Reads are lock-free so probe handlers never wait on
// initialization. Requests matching the exemption list (probes, status,
// static assets, HEAD/OPTIONS) are allowed in every state; everything else is
// allowed only once the gate is Ready.
package readiness
