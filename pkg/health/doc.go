// Package health probes the reachability of remote pool endpoints. The
// supervisor combines these checks with local mountpoint probes to
// classify pool health: a pool whose filesystem responds but whose
// stream endpoint is unreachable is degraded, not offline. The tracker
// requires consecutive failures before flipping to unhealthy so a
// single dropped connection does not flap the pool state.
package health
