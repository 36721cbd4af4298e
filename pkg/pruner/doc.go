// Package pruner implements tiered retention for snapshot histories.
//
// A retention policy is a list of tiers, each pairing a granularity
// (hourly through yearly) with a keep count. On every evaluation the
// pruner sorts a dataset's snapshots into granularity buckets, picks
// the most recent snapshot in each bucket as the bucket's
// representative, and keeps the N most recent representatives per
// tier. A snapshot kept by any tier survives; everything else is a
// deletion candidate.
//
// Two safety rules override the policy. The most recent snapshot is
// never deleted regardless of configuration, and a snapshot that is
// currently serving as an incremental transfer basis (the parent of a
// running job, or the last verified snapshot for some target) is held
// until replication moves past it. Blocked deletions are retried
// naturally on the next cycle.
package pruner
