package btrfs

import (
	"context"
	"io"
)

// ReceiveState is the durable record a target pool keeps about the last
// applied snapshot of a dataset. Verification compares it against the
// sender's expectation.
type ReceiveState struct {
	Generation uint64 `json:"generation"`
	Checksum   string `json:"checksum"`
}

// Filesystem is the interface to the underlying snapshot and
// send/receive primitives. cellar calls these and interprets their
// results; it does not reimplement them.
type Filesystem interface {
	// CreateSnapshot creates a read-only snapshot of sourcePath at
	// snapshotPath.
	CreateSnapshot(ctx context.Context, sourcePath, snapshotPath string) error

	// DeleteSnapshot removes the snapshot at snapshotPath
	DeleteSnapshot(ctx context.Context, snapshotPath string) error

	// Send opens a diff stream between parentPath and snapshotPath.
	// Empty parentPath means a full stream.
	Send(ctx context.Context, snapshotPath, parentPath string) (io.ReadCloser, error)

	// Receive opens the apply side of a stream on the pool mounted at
	// mountpoint. Closing the returned writer finalizes the apply and
	// records the resulting ReceiveState for (datasetID, generation).
	Receive(ctx context.Context, mountpoint, datasetID string, generation uint64) (io.WriteCloser, error)

	// Probe checks reachability of the pool at mountpoint and returns
	// its free space estimate.
	Probe(ctx context.Context, mountpoint string) (freeBytes int64, err error)

	// QueryState returns the last applied state for datasetID on the
	// pool at mountpoint, or nil if nothing was ever applied.
	QueryState(ctx context.Context, mountpoint, datasetID string) (*ReceiveState, error)
}
