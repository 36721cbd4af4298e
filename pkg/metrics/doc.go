/*
Package metrics defines cellar's Prometheus collectors.

Gauges track current pool health, snapshot counts, and job states;
counters track snapshot creations, prune deletions, transfer bytes and
retries, and supervisor recovery outcomes. The Handler function exposes
the standard /metrics endpoint. Timer is a small helper for histogram
observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TransferDuration, poolID)
*/
package metrics
