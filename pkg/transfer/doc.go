// Package transfer replicates snapshots to target pools over the
// filesystem's send/receive stream primitives.
//
// The engine is reconciliation driven. Each cycle it compares the job
// table against the snapshot histories and enqueues one job per
// (dataset, target) pair that has unreplicated snapshots and no job
// underway, oldest snapshot first. Eligible jobs are then handed to a
// bounded worker pool; a per-pair mutex guarantees serial delivery to
// each target even across scheduling races.
//
// A job picks its incremental basis when the attempt starts: the newest
// snapshot already verified on the target, or nothing for a full send.
// The stream is hashed as it flows; after the receive side finalizes,
// the engine reads back the target's recorded state and compares
// generation and checksum. A match completes the job and marks the
// snapshot verified for that target. A mismatch is terminal and is
// never retried, since resending the same stream would produce the same
// result.
//
// Transient failures (stream I/O, pool unavailability, progress stalls)
// move the job to Retrying with exponential backoff, restarting the
// stream from the beginning on the next attempt. Progress is
// checkpointed in BytesSent for observability; it is not a resume
// offset.
package transfer
