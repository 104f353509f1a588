// Package gateway serves the query router over HTTP and WebSocket.
//
// Routes:
//
//	POST /realestate-agent  one prompt, JSON in and out
//	GET  /ws                one request per text frame
//	GET  /healthz           liveness and session count
//	GET  /metrics           prometheus exposition
//
// Error responses carry {"detail": "..."}.
package gateway
