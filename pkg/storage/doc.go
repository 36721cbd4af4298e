/*
Package storage provides durable state persistence for cellar.

The Store interface is implemented by a BoltDB-backed store with one
bucket per entity type (pools, datasets, snapshots, transfer jobs) and
JSON-encoded values. Snapshot and job keys embed the dataset id and a
fixed-width hex generation so range scans return entries in generation
order.

Job records are the crash-recovery source of truth: a job found in
sending or verifying state at startup was interrupted, and the
supervisor resolves it against the actual state of the target pool.
*/
package storage
