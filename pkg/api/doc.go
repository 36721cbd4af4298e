// Package api serves the daemon's read-only status surface and the
// operator actions: snapshot now, prune now, cancel a transfer job. It
// also exposes the Prometheus metrics endpoint. The API binds to
// loopback by default and carries no authentication of its own.
package api
