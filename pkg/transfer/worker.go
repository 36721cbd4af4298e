package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/iocount"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/metrics"
	"github.com/keeperhq/cellar/pkg/types"
)

const (
	streamChunkSize = 256 * 1024

	// progressFlushBytes bounds how much progress can be lost between
	// BytesSent checkpoints.
	progressFlushBytes = 16 * 1024 * 1024
)

// runJob executes one transfer attempt under the pair lock. jobCtx is
// the per-job context dispatch registered a canceller for; ctx is the
// daemon's, for telling shutdown apart from operator cancellation.
func (e *Engine) runJob(ctx, jobCtx context.Context, stale *types.TransferJob) {
	lock := e.manager.PairLock(stale.PairKey())
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; the dispatch snapshot may be stale, or an
	// operator may have cancelled the job before the lock was taken.
	job, err := e.manager.GetJob(stale.DatasetID, stale.Generation, stale.PoolID)
	if err != nil || job.ID != stale.ID || job.State.Terminal() {
		return
	}

	logger := log.WithJob(e.logger, job.ID).With().
		Str("dataset_id", job.DatasetID).
		Uint64("generation", job.Generation).
		Str("pool_id", job.PoolID).Logger()

	err = e.attempt(jobCtx, job)
	switch {
	case err == nil:
		logger.Info().Int64("bytes", job.BytesSent).Msg("transfer complete")

	case ctx.Err() != nil:
		// Daemon shutdown. Leave the job as the attempt left it; the
		// supervisor resolves it on the next start.
		logger.Info().Msg("transfer interrupted by shutdown")

	case jobCtx.Err() != nil && !errors.Is(err, errStalled):
		e.fail(job, "cancelled by operator")
		logger.Warn().Msg("transfer cancelled")

	case errors.Is(err, types.ErrVerifyMismatch):
		e.fail(job, err.Error())
		logger.Error().Err(err).Msg("verification failed, not retrying")

	case types.Transient(err) || errors.Is(err, errStalled):
		e.retry(job, err)

	default:
		// Unclassified errors get the retry path too; only a verify
		// mismatch is known-unrecoverable.
		e.retry(job, err)
	}
}

// attempt runs one full send-verify cycle, mutating job state as it
// progresses. Every attempt restarts the stream from the beginning;
// send streams are not seekable.
func (e *Engine) attempt(ctx context.Context, job *types.TransferJob) error {
	dataset, err := e.manager.GetDataset(job.DatasetID)
	if err != nil {
		return err
	}
	snapshot, err := e.manager.GetSnapshot(job.DatasetID, job.Generation)
	if err != nil {
		return err
	}
	pool, err := e.manager.GetPool(job.PoolID)
	if err != nil {
		return err
	}
	if pool.Health != types.PoolOnline {
		return fmt.Errorf("%w: pool %s is %s", types.ErrPoolUnavailable, pool.ID, pool.Health)
	}

	// The incremental basis is chosen now, not at enqueue time, so it
	// reflects what the target actually holds.
	var parentPath string
	if generation, ok, err := e.manager.LastVerified(job.DatasetID, job.PoolID); err != nil {
		return err
	} else if ok {
		parent, err := e.manager.GetSnapshot(job.DatasetID, generation)
		if err != nil {
			return err
		}
		job.ParentGeneration = &generation
		parentPath = parent.Path
	} else {
		job.ParentGeneration = nil
	}

	job.State = types.JobSending
	job.BytesSent = 0
	if err := e.manager.SaveJob(job); err != nil {
		return err
	}
	if err := e.manager.SetSnapshotTargetStatus(job.DatasetID, job.Generation, job.PoolID, types.SnapshotInFlight); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	checksum, err := e.stream(ctx, job, snapshot.Path, parentPath, pool, dataset.ID)
	if err != nil {
		return err
	}

	job.State = types.JobVerifying
	if err := e.manager.SaveJob(job); err != nil {
		return err
	}

	state, err := e.manager.Filesystem().QueryState(ctx, pool.Mountpoint, dataset.ID)
	if err != nil {
		return fmt.Errorf("%w: query receive state: %v", types.ErrTransferIO, err)
	}
	if state == nil || state.Generation != job.Generation || state.Checksum != checksum {
		return &types.TransferError{
			DatasetID:  job.DatasetID,
			Generation: job.Generation,
			PoolID:     job.PoolID,
			Err:        types.ErrVerifyMismatch,
		}
	}

	job.State = types.JobComplete
	job.LastError = ""
	if err := e.manager.SaveJob(job); err != nil {
		return err
	}
	if err := e.manager.SetSnapshotTargetStatus(job.DatasetID, job.Generation, job.PoolID, types.SnapshotVerified); err != nil {
		return err
	}

	metrics.TransferBytes.WithLabelValues(pool.Name).Add(float64(job.BytesSent))
	timer.ObserveDurationVec(metrics.TransferDuration, pool.Name)
	e.manager.Broker().Publish(&events.Event{
		Type:      events.EventJobComplete,
		DatasetID: job.DatasetID,
		PoolID:    job.PoolID,
		JobID:     job.ID,
	})
	return nil
}

var errStalled = errors.New("transfer stalled: no progress within timeout")

// stream pipes the send stream into the target's receive side, hashing
// the bytes as they pass. Returns the hex checksum of the stream.
func (e *Engine) stream(ctx context.Context, job *types.TransferJob, snapshotPath, parentPath string, pool *types.Pool, datasetID string) (string, error) {
	fs := e.manager.Filesystem()

	// A stalled stream is aborted through context cancellation. The
	// primitives are opened under streamCtx so the abort reaches them
	// and a blocked read unwinds.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	source, err := fs.Send(streamCtx, snapshotPath, parentPath)
	if err != nil {
		return "", fmt.Errorf("%w: open send stream: %v", types.ErrTransferIO, err)
	}
	defer source.Close()

	sink, err := fs.Receive(streamCtx, pool.Mountpoint, datasetID, job.Generation)
	if err != nil {
		return "", fmt.Errorf("%w: open receive stream: %v", types.ErrTransferIO, err)
	}

	counter := iocount.NewReader(source)
	hasher := sha256.New()

	stalled := make(chan struct{})
	go e.watchProgress(streamCtx, counter, stalled, cancelStream)

	copyErr := e.copyStream(streamCtx, job, counter, io.MultiWriter(sink, hasher))
	cancelStream()

	if closeErr := sink.Close(); copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("%w: finalize receive: %v", types.ErrTransferIO, closeErr)
	}
	if copyErr != nil {
		select {
		case <-stalled:
			return "", errStalled
		default:
		}
		return "", copyErr
	}

	job.BytesSent = counter.Count()
	if err := e.manager.SaveJob(job); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyStream moves data in chunks, checkpointing BytesSent and checking
// for cancellation at chunk boundaries.
func (e *Engine) copyStream(ctx context.Context, job *types.TransferJob, source io.Reader, sink io.Writer) error {
	buf := make([]byte, streamChunkSize)
	var unflushed int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := source.Read(buf)
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write stream: %v", types.ErrTransferIO, err)
			}
			unflushed += int64(n)
			if unflushed >= progressFlushBytes {
				job.BytesSent += unflushed
				unflushed = 0
				if err := e.manager.SaveJob(job); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: read stream: %v", types.ErrTransferIO, readErr)
		}
	}
}

// watchProgress aborts the stream if the byte counter stops moving for
// a full progress timeout window.
func (e *Engine) watchProgress(ctx context.Context, counter *iocount.Reader, stalled chan<- struct{}, abort context.CancelFunc) {
	if e.cfg.ProgressTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.ProgressTimeout)
	defer ticker.Stop()

	last := counter.Count()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := counter.Count()
			if current == last {
				close(stalled)
				abort()
				return
			}
			last = current
		}
	}
}

// retry moves a job to Retrying with exponential backoff, or to Failed
// once attempts are exhausted.
func (e *Engine) retry(job *types.TransferJob, cause error) {
	job.Retries++
	job.LastError = cause.Error()

	if job.Retries >= e.cfg.MaxAttempts {
		e.fail(job, fmt.Sprintf("retries exhausted: %v", cause))
		e.logger.Error().Str("job_id", job.ID).Err(cause).
			Int("retries", job.Retries).Msg("transfer failed permanently")
		return
	}

	delay := Backoff(e.cfg, job.Retries)
	job.State = types.JobRetrying
	job.NextAttempt = e.manager.Clock().Now().Add(delay)
	if err := e.manager.SaveJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist retry state")
		return
	}

	metrics.TransferRetries.Inc()
	e.logger.Warn().Str("job_id", job.ID).Err(cause).
		Int("retries", job.Retries).Dur("delay", delay).
		Msg("transfer attempt failed, will retry")
	e.manager.Broker().Publish(&events.Event{
		Type:      events.EventJobRetrying,
		DatasetID: job.DatasetID,
		PoolID:    job.PoolID,
		JobID:     job.ID,
		Message:   cause.Error(),
	})
}

// fail moves a job to terminal Failed and marks the snapshot's target
// status accordingly.
func (e *Engine) fail(job *types.TransferJob, reason string) {
	job.State = types.JobFailed
	job.LastError = reason
	if err := e.manager.SaveJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job failure")
	}
	if err := e.manager.SetSnapshotTargetStatus(job.DatasetID, job.Generation, job.PoolID, types.SnapshotFailed); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark snapshot status")
	}
	e.manager.Broker().Publish(&events.Event{
		Type:      events.EventJobFailed,
		DatasetID: job.DatasetID,
		PoolID:    job.PoolID,
		JobID:     job.ID,
		Message:   reason,
	})
}
