/*
Package btrfs wraps the filesystem-level snapshot primitives cellar
orchestrates: snapshot create/delete, send/receive diff streams, pool
probing, and the per-dataset receive state used for verification.

Exec shells out to the btrfs command-line tools. Fake is an in-memory
implementation with failure injection for tests.
*/
package btrfs
