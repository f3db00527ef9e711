// Package ws streams server status to browsers over WebSocket.
//
// New(source, interval) creates a Hub. Hub.Run(ctx) pushes the current
// status to every client each interval until ctx is cancelled, then closes
// all connections. Hub.ServeHTTP upgrades a request and sends the status
// immediately so a page can render before the first tick.
//
// Message format:
//
//	{
//	  "event": "status",
//	  "data":  { /* same schema as GET /api/status */ }
//	}
//
// Any origin is accepted; restrict origins at the reverse proxy. The server
// mounts the hub at /ws/status, which stays reachable while the readiness
// gate is closed so a client can watch the server come up.
package ws
