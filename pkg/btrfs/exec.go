package btrfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/keeperhq/cellar/pkg/types"
)

// stateDir holds per-dataset receive state files under a pool mountpoint
const stateDir = ".cellar/state"

// Exec is a Filesystem backed by the btrfs command-line tools
type Exec struct{}

// NewExec returns a Filesystem that shells out to btrfs(8)
func NewExec() *Exec {
	return &Exec{}
}

// CreateSnapshot creates a read-only snapshot
func (e *Exec) CreateSnapshot(ctx context.Context, sourcePath, snapshotPath string) error {
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrSnapshotCreateFailed, err)
	}
	cmd := exec.CommandContext(ctx, "btrfs", "subvolume", "snapshot", "-r", sourcePath, snapshotPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %v: %s", types.ErrSnapshotCreateFailed, err, out)
	}
	return nil
}

// DeleteSnapshot removes a snapshot subvolume
func (e *Exec) DeleteSnapshot(ctx context.Context, snapshotPath string) error {
	cmd := exec.CommandContext(ctx, "btrfs", "subvolume", "delete", snapshotPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete snapshot %s: %v: %s", snapshotPath, err, out)
	}
	return nil
}

// Send opens a btrfs send stream, incremental when parentPath is set
func (e *Exec) Send(ctx context.Context, snapshotPath, parentPath string) (io.ReadCloser, error) {
	args := []string{"send"}
	if parentPath != "" {
		args = append(args, "-p", parentPath)
	}
	args = append(args, snapshotPath)

	cmd := exec.CommandContext(ctx, "btrfs", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransferIO, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransferIO, err)
	}
	return &cmdReader{ReadCloser: stdout, cmd: cmd}, nil
}

// cmdReader waits for the child process when closed
type cmdReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (r *cmdReader) Close() error {
	r.ReadCloser.Close()
	if err := r.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: btrfs send: %v", types.ErrTransferIO, err)
	}
	return nil
}

// Receive opens a btrfs receive into the pool's receive area for the
// dataset. Closing the writer waits for the apply to finish and records
// the resulting state.
func (e *Exec) Receive(ctx context.Context, mountpoint, datasetID string, generation uint64) (io.WriteCloser, error) {
	destDir := filepath.Join(mountpoint, ".cellar", "received", datasetID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPoolUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, "btrfs", "receive", destDir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransferIO, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransferIO, err)
	}
	return &receiveWriter{
		stdin:      stdin,
		cmd:        cmd,
		hash:       sha256.New(),
		mountpoint: mountpoint,
		datasetID:  datasetID,
		generation: generation,
	}, nil
}

// receiveWriter hashes the applied stream and persists the receive state
// on successful completion.
type receiveWriter struct {
	stdin      io.WriteCloser
	cmd        *exec.Cmd
	hash       hash.Hash
	mountpoint string
	datasetID  string
	generation uint64
}

func (w *receiveWriter) Write(b []byte) (int, error) {
	n, err := w.stdin.Write(b)
	w.hash.Write(b[:n])
	if err != nil {
		return n, fmt.Errorf("%w: %v", types.ErrTransferIO, err)
	}
	return n, nil
}

func (w *receiveWriter) Close() error {
	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: btrfs receive: %v", types.ErrTransferIO, err)
	}
	state := &ReceiveState{
		Generation: w.generation,
		Checksum:   hex.EncodeToString(w.hash.Sum(nil)),
	}
	return writeState(w.mountpoint, w.datasetID, state)
}

// Probe stats the mountpoint and returns its free space
func (e *Exec) Probe(ctx context.Context, mountpoint string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(mountpoint, &stat); err != nil {
		return 0, fmt.Errorf("%w: statfs %s: %v", types.ErrPoolUnavailable, mountpoint, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// QueryState reads the last applied state for a dataset on a pool
func (e *Exec) QueryState(ctx context.Context, mountpoint, datasetID string) (*ReceiveState, error) {
	data, err := os.ReadFile(statePath(mountpoint, datasetID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPoolUnavailable, err)
	}
	var state ReceiveState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("read receive state for %s: %w", datasetID, err)
	}
	return &state, nil
}

func statePath(mountpoint, datasetID string) string {
	return filepath.Join(mountpoint, stateDir, datasetID+".json")
}

func writeState(mountpoint, datasetID string, state *ReceiveState) error {
	dir := filepath.Join(mountpoint, stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// Write-then-rename keeps the state file consistent across crashes
	tmp := statePath(mountpoint, datasetID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, statePath(mountpoint, datasetID))
}
