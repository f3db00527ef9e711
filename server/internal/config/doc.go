// Package config loads the meart server configuration.
//
// Load(path) starts from defaults, overlays the optional YAML file, then the
// environment-style options (PORT, CONCURRENCY_LIMIT, JOB_TIMEOUT_MS,
// BOOT_DELAY_MS, MAX_BODY, ASSET_DIR, FUZZY_MATCH, ...) and finally validates.
//
// Sections:
//   - server     - HTTP/gRPC ports, upload ceiling, shutdown timeout
//   - readiness  - boot delay and startup dependency checks
//   - admission  - concurrency limit, pending depth, job timeout
//   - catalog    - asset directory, URL prefix, fuzzy matching, cache TTL
//   - processors - command lines of the external image jobs
//   - ai         - optional hosted provider, reported by /api/status only
package config
