// Package server exposes the platform's HTTP API.
//
// The surface splits into three groups: the event endpoints (ingest,
// inspection, replay, stuck-event requeue), the rule CRUD endpoints,
// and the operational endpoints (health, Prometheus metrics, and the
// /ws live-update socket). All responses are JSON; failures use one
// envelope shape with a machine-readable kind, mapped from the fault
// taxonomy to HTTP status codes.
//
// Handlers stay thin. They decode and validate the request, call one
// store method, and render the result. Rule definitions are parsed at
// the boundary so malformed conditions and actions never reach the
// database.
package server
