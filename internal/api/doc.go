// Package api is the HTTP front of HTTQ.
//
// Any request outside the reserved /_httq prefix is a bridge request: it is
// parsed into broker actions, executed by the bridge engine and answered
// with the outcome. GET subscribes and returns the first delivered message;
// every other method publishes.
//
// # Reserved endpoints
//
//   - GET /_httq/health  - liveness plus database and InfluxDB checks
//   - GET /_httq/metrics - runtime, engine, pool and database counters
//   - GET /_httq/audit   - recorded exchanges (when the database is enabled)
//
// # Status mapping
//
// Malformed requests and payloads are 400 (413 for oversized bodies), broker
// connect failures, refusals and unacknowledged publishes are 502, a
// subscribe wait with no message is 504. When the HTTP client disconnects
// mid-request nothing is written. Error bodies are
// {"status","code","message","index"}, index naming the failing action.
//
// # Security
//
// With security.jwt.secret set, bridge and audit requests need an HS256
// bearer token. Health and metrics stay open for monitoring.
//
// Every finished exchange is queued for the SQLite audit log and written to
// InfluxDB when those are enabled; neither blocks the response.
package api
