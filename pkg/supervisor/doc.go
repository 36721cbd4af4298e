// Package supervisor keeps the daemon healthy across failures and
// restarts.
//
// It is the sole writer of pool health: every watchdog cycle it probes
// each pool's mountpoint and, for remote pools, its stream endpoint,
// and classifies the pool Online, Degraded (reachable but low on space
// or with an unresponsive endpoint), or Offline. Health transitions are
// published as events and drive transfer eligibility.
//
// At startup it settles jobs a previous process left mid-flight by
// asking each target pool what it actually holds, completing jobs whose
// streams finalized and requeueing the rest with their retry counts
// intact. It also owns the lifecycle of the other background loops,
// restarting any that exit unexpectedly with increasing backoff.
package supervisor
