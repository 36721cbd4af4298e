/*
Package types defines the core data structures used throughout cellar.

This package contains the fundamental types that represent cellar's domain
model: storage pools, datasets, snapshots, and transfer jobs. These types
are used by all other packages for state management, persistence, and
replication logic.

# Core Types

Storage:
  - Pool: A mounted btrfs filesystem that holds subvolumes and received
    snapshots, with a health state maintained by the supervisor
  - PoolHealth: Online, degraded, offline

Lifecycle:
  - Dataset: The managed unit — one source subvolume, its snapshot
    schedule, retention policy, and replication targets
  - Schedule: Interval, anchor time, and catch-up policy
  - RetentionTier: Keep-count for one granularity bucket (hourly, daily,
    weekly, monthly, yearly)

Replication:
  - Snapshot: Generation-numbered, immutable point-in-time copy with a
    per-target transfer status
  - TransferJob: Replicates one snapshot to one target pool through the
    queued / sending / verifying / retrying / complete / failed state
    machine

# Invariants

  - Snapshot generations are strictly increasing per dataset and never
    renumbered when survivors of a prune remain
  - At most one TransferJob per (dataset, target) pair is in a
    non-terminal state at any time
  - A snapshot is never deleted while it is the chosen parent of an
    unfinished job or the newest verified snapshot on any target

The error taxonomy in errors.go distinguishes transient conditions
(retried with backoff) from fatal ones (surfaced immediately).
*/
package types
