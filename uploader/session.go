package uploader

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Status is the terminal state of an upload session.
type Status int

const (
	// StatusCompleted means every chunk was uploaded and acknowledged.
	StatusCompleted Status = iota
	// StatusFailed means at least one chunk failed permanently.
	StatusFailed
	// StatusCancelled means the session was cancelled by the caller.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of an upload session.
type Result struct {
	Status Status

	// FailedChunks lists the permanently failed chunk indices when Status is
	// StatusFailed. The caller may restart just these chunks in a new session
	// over the same manifest.
	FailedChunks []int

	// ETags holds the per-chunk server acknowledgement tags in index order
	// when Status is StatusCompleted.
	ETags []string

	// Err carries the finalize error when a fully uploaded session could not
	// be committed.
	Err error
}

// Session is the upload façade. It wires the chunker's output into the
// scheduler, runs the progress aggregator over the scheduler's state, and
// owns the manifest for the lifetime of one upload.
type Session struct {
	manifest Manifest
	cfg      Config
	logger   log.Logger

	sched     *scheduler
	agg       *aggregator
	finalizer Finalizer
	store     *ManifestStore
	record    manifestRecord

	started int32
	done    chan struct{}
	result  Result
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithFinalizer makes the session commit (or abort) the upload through the
// given finalizer once it reaches a terminal state.
func WithFinalizer(f Finalizer) SessionOption {
	return func(s *Session) { s.finalizer = f }
}

// WithManifestStore persists chunk acknowledgements through the store so an
// interrupted upload can be resumed by a later session with the same manifest.
func WithManifestStore(store *ManifestStore) SessionOption {
	return func(s *Session) { s.store = store }
}

// NewSession creates an upload session for one manifest. The provider supplies
// chunk bytes, the transport delivers them.
func NewSession(manifest Manifest, provider ChunkProvider, transport Transport, cfg Config, logger log.Logger, opts ...SessionOption) *Session {
	cfg = cfg.withDefaults()
	counters := newProgressCounters(manifest)

	s := &Session{
		manifest: manifest,
		cfg:      cfg,
		logger:   logger,
		sched:    newScheduler(manifest, cfg, provider, transport, counters, logger),
		agg:      newAggregator(counters, cfg.ProgressInterval, cfg.SpeedWindow),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins uploading. It returns immediately; progress arrives on
// Progress and the terminal result through Wait or Done/Result.
// A session can only be started once.
func (s *Session) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("session already started")
	}

	if s.store != nil {
		s.restoreFromStore()
		s.sched.onUploaded = s.persistChunk
	}

	s.logger.Infof("Uploading %s (%s) as %d chunks of %s, concurrency %d",
		s.manifest.FileName, units.HumanSize(float64(s.manifest.TotalBytes)),
		s.manifest.TotalChunks, units.HumanSize(float64(s.manifest.ChunkSize)),
		s.cfg.Concurrency)

	go s.sched.run(ctx)
	go s.agg.run(s.sched.done)
	go s.finish(ctx)
	return nil
}

func (s *Session) restoreFromStore() {
	record, err := s.store.Load(s.manifest.UploadID)
	if err != nil {
		s.record = manifestRecord{Manifest: s.manifest}
		return
	}
	if record.Manifest.TotalBytes != s.manifest.TotalBytes || record.Manifest.ChunkSize != s.manifest.ChunkSize {
		s.logger.Warnf("Persisted manifest for upload %s does not match, starting over", s.manifest.UploadID)
		s.record = manifestRecord{Manifest: s.manifest}
		return
	}

	for _, chunk := range record.Chunks {
		s.sched.markUploaded(chunk.Index, chunk.ETag)
	}
	s.record = record
	s.logger.Infof("Resuming upload %s: %d of %d chunks already acknowledged",
		s.manifest.UploadID, len(record.Chunks), s.manifest.TotalChunks)
}

// persistChunk runs on the scheduler loop, so record access is single-threaded.
func (s *Session) persistChunk(index int, etag string) {
	s.record.Chunks = append(s.record.Chunks, storedChunk{Index: index, ETag: etag})
	if err := s.store.Save(s.record); err != nil {
		s.logger.Warnf("Failed to persist upload state: %s", err)
	}
}

func (s *Session) finish(ctx context.Context) {
	<-s.sched.done
	result := s.sched.result

	if s.finalizer != nil && result.Status != StatusCancelled {
		successful := result.Status == StatusCompleted
		if err := s.finalizer.Finalize(ctx, s.manifest.UploadID, result.ETags, successful); err != nil {
			s.logger.Errorf("Failed to finalize upload %s: %s", s.manifest.UploadID, err)
			if successful {
				result.Status = StatusFailed
				result.Err = fmt.Errorf("finalize upload: %w", err)
			}
		}
	}

	if s.store != nil && result.Status != StatusFailed {
		if err := s.store.Discard(s.manifest.UploadID); err != nil {
			s.logger.Warnf("Failed to discard persisted upload state: %s", err)
		}
	}

	switch result.Status {
	case StatusCompleted:
		s.logger.Donef("Uploaded %s (%s)", s.manifest.FileName, units.HumanSize(float64(s.manifest.TotalBytes)))
	case StatusFailed:
		s.logger.Errorf("Upload of %s failed, permanently failed chunks: %v", s.manifest.FileName, result.FailedChunks)
	case StatusCancelled:
		s.logger.Infof("Upload of %s cancelled", s.manifest.FileName)
	}

	s.result = result
	close(s.done)
}

// Progress returns the stream of progress snapshots. The channel is closed
// after the final snapshot once the session is terminal.
func (s *Session) Progress() <-chan Snapshot {
	return s.agg.snapshots()
}

// Pause stops promoting queued chunks without interrupting in-flight uploads.
func (s *Session) Pause() {
	s.sched.post(pauseEvent{})
}

// Resume continues promoting queued chunks after a pause.
func (s *Session) Resume() {
	s.sched.post(resumeEvent{})
}

// Cancel terminates the session. In-flight transports are left to finish and
// their outcomes ignored; already-sent bytes are not un-sent. Idempotent.
func (s *Session) Cancel() {
	s.sched.post(cancelEvent{})
}

// RetryChunks re-queues permanently failed chunks while the session is still
// running, resetting their attempt budget. Once the session is terminal, start
// a new session over the same manifest instead (a manifest store makes it skip
// the chunks that already succeeded).
func (s *Session) RetryChunks(indices ...int) error {
	reply := make(chan error, 1)
	if !s.sched.post(retryChunksEvent{indices: indices, reply: reply}) {
		return fmt.Errorf("session already finished")
	}
	select {
	case err := <-reply:
		return err
	case <-s.sched.done:
		return fmt.Errorf("session already finished")
	}
}

// Done is closed once the session reaches a terminal state and the result is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal result. Only valid after Done is closed.
func (s *Session) Result() Result {
	return s.result
}

// Wait blocks until the session is terminal or the context expires.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.done:
		return s.result, nil
	}
}
