// Package api assembles the VentureVal HTTP surface.
//
// # API Overview
//
// VentureVal provides a RESTful API for:
//   - Startup idea evaluation (sync and async)
//   - Per-request execution event streaming (NDJSON)
//   - Cost attribution queries and budget management
//   - Health monitoring and Prometheus metrics
//
// # Identity Headers
//
// Governed endpoints read identity from request headers:
//
//	x-request-id, x-user-id, x-tenant-id, x-session-key
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
