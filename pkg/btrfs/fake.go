package btrfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/keeperhq/cellar/pkg/types"
)

// SendCall records one Send invocation for assertions
type SendCall struct {
	SnapshotPath string
	ParentPath   string
}

// Fake is an in-memory Filesystem for tests. Content written to a
// source path is captured by CreateSnapshot; Send streams the captured
// bytes; Receive hashes what arrives and records a ReceiveState exactly
// like the real receiver. Failure injection knobs cover the error paths
// the engine and supervisor must handle.
type Fake struct {
	mu sync.Mutex

	sources   map[string][]byte // source path -> current content
	snapshots map[string][]byte // snapshot path -> captured content
	states    map[string]*ReceiveState

	SendCalls []SendCall
	Deleted   []string

	// Failure injection
	CreateErr      error
	DeleteErr      error
	SendErr        error
	ReceiveErr     error
	ProbeErr       map[string]error
	FailSendAfter  int  // abort the stream with ErrTransferIO after n bytes; 0 disables
	StallSendAfter int  // block reads after n bytes until the Send context is done; 0 disables
	CorruptState   bool // record a wrong checksum on receive completion

	FreeBytes int64
}

// NewFake returns an empty fake filesystem
func NewFake() *Fake {
	return &Fake{
		sources:   make(map[string][]byte),
		snapshots: make(map[string][]byte),
		states:    make(map[string]*ReceiveState),
		ProbeErr:  make(map[string]error),
		FreeBytes: 1 << 30,
	}
}

// SetSource sets the current content of a source subvolume
func (f *Fake) SetSource(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[path] = append([]byte(nil), content...)
}

// SnapshotContent returns the captured content of a snapshot
func (f *Fake) SnapshotContent(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.snapshots[path]
	return data, ok
}

// CreateSnapshot implements Filesystem
func (f *Fake) CreateSnapshot(ctx context.Context, sourcePath, snapshotPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	src, ok := f.sources[sourcePath]
	if !ok {
		return fmt.Errorf("%w: no such source %s", types.ErrSnapshotCreateFailed, sourcePath)
	}
	f.snapshots[snapshotPath] = append([]byte(nil), src...)
	return nil
}

// DeleteSnapshot implements Filesystem
func (f *Fake) DeleteSnapshot(ctx context.Context, snapshotPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.snapshots[snapshotPath]; !ok {
		return fmt.Errorf("no such snapshot: %s", snapshotPath)
	}
	delete(f.snapshots, snapshotPath)
	f.Deleted = append(f.Deleted, snapshotPath)
	return nil
}

// Send implements Filesystem
func (f *Fake) Send(ctx context.Context, snapshotPath, parentPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	data, ok := f.snapshots[snapshotPath]
	if !ok {
		return nil, fmt.Errorf("%w: no such snapshot %s", types.ErrTransferIO, snapshotPath)
	}
	f.SendCalls = append(f.SendCalls, SendCall{SnapshotPath: snapshotPath, ParentPath: parentPath})
	// An incremental stream carries a parent marker so the bytes differ
	// from a full stream of the same snapshot.
	var stream []byte
	if parentPath != "" {
		stream = append([]byte("incr:"+parentPath+":"), data...)
	} else {
		stream = append([]byte("full:"), data...)
	}
	return &fakeSendReader{ctx: ctx, reader: bytes.NewReader(stream), fake: f}, nil
}

type fakeSendReader struct {
	ctx    context.Context
	reader *bytes.Reader
	fake   *Fake
	sent   int
}

func (r *fakeSendReader) Read(b []byte) (int, error) {
	r.fake.mu.Lock()
	limit := r.fake.FailSendAfter
	stall := r.fake.StallSendAfter
	r.fake.mu.Unlock()
	if limit > 0 && r.sent >= limit {
		return 0, fmt.Errorf("%w: injected stream failure", types.ErrTransferIO)
	}
	if limit > 0 && r.sent+len(b) > limit {
		b = b[:limit-r.sent]
	}
	if stall > 0 && r.sent >= stall {
		// Mimics btrfs send hanging: the read only unwinds when the
		// stream's context kills the process.
		<-r.ctx.Done()
		return 0, r.ctx.Err()
	}
	if stall > 0 && r.sent+len(b) > stall {
		b = b[:stall-r.sent]
	}
	n, err := r.reader.Read(b)
	r.sent += n
	return n, err
}

func (r *fakeSendReader) Close() error { return nil }

// Receive implements Filesystem
func (f *Fake) Receive(ctx context.Context, mountpoint, datasetID string, generation uint64) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiveErr != nil {
		return nil, f.ReceiveErr
	}
	return &fakeReceiveWriter{
		fake:       f,
		hash:       sha256.New(),
		key:        mountpoint + "/" + datasetID,
		generation: generation,
	}, nil
}

type fakeReceiveWriter struct {
	fake       *Fake
	hash       hash.Hash
	key        string
	generation uint64
	written    int64
}

func (w *fakeReceiveWriter) Write(b []byte) (int, error) {
	w.hash.Write(b)
	w.written += int64(len(b))
	return len(b), nil
}

func (w *fakeReceiveWriter) Close() error {
	w.fake.mu.Lock()
	defer w.fake.mu.Unlock()
	sum := hex.EncodeToString(w.hash.Sum(nil))
	if w.fake.CorruptState {
		sum = "corrupted-" + sum[:16]
	}
	w.fake.states[w.key] = &ReceiveState{Generation: w.generation, Checksum: sum}
	return nil
}

// Probe implements Filesystem
func (f *Fake) Probe(ctx context.Context, mountpoint string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ProbeErr[mountpoint]; err != nil {
		return 0, err
	}
	return f.FreeBytes, nil
}

// QueryState implements Filesystem
func (f *Fake) QueryState(ctx context.Context, mountpoint, datasetID string) (*ReceiveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ProbeErr[mountpoint]; err != nil {
		return nil, err
	}
	state, ok := f.states[mountpoint+"/"+datasetID]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

// SetState seeds the receive state of a pool, simulating a previously
// completed transfer.
func (f *Fake) SetState(mountpoint, datasetID string, state *ReceiveState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[mountpoint+"/"+datasetID] = state
}
