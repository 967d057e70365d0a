package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// scheduler owns the chunk lifecycle state machine. It runs as a single event
// loop goroutine: transport outcomes, retry timers and control calls all
// arrive as events, so chunk descriptors are never mutated concurrently.
type scheduler struct {
	manifest  Manifest
	cfg       Config
	provider  ChunkProvider
	transport Transport
	logger    log.Logger
	counters  *progressCounters
	stats     *transferStats

	chunks []*ChunkDescriptor
	events chan schedEvent
	done   chan struct{}
	result Result

	paused         bool
	cancelled      bool
	activeCount    int
	pendingRetries int
	timers         map[int]*time.Timer

	// onUploaded is invoked from the loop after each acknowledged chunk.
	// Used by the session to persist resume state.
	onUploaded func(index int, etag string)
}

type schedEvent interface{}

type outcomeEvent struct {
	index int
	ack   ChunkAck
	err   error
	took  time.Duration
}

type requeueEvent struct{ index int }
type pauseEvent struct{}
type resumeEvent struct{}
type cancelEvent struct{}

type retryChunksEvent struct {
	indices []int
	reply   chan error
}

func newScheduler(manifest Manifest, cfg Config, provider ChunkProvider, transport Transport, counters *progressCounters, logger log.Logger) *scheduler {
	return &scheduler{
		manifest:  manifest,
		cfg:       cfg,
		provider:  provider,
		transport: transport,
		logger:    logger,
		counters:  counters,
		stats:     &transferStats{},
		chunks:    buildChunks(manifest),
		events:    make(chan schedEvent, 2*manifest.TotalChunks+16),
		done:      make(chan struct{}),
		timers:    map[int]*time.Timer{},
	}
}

// markUploaded pre-acknowledges chunks restored from a persisted manifest.
// Must be called before run starts.
func (s *scheduler) markUploaded(index int, etag string) {
	if index < 0 || index >= len(s.chunks) {
		return
	}
	c := s.chunks[index]
	if c.State != ChunkQueued {
		return
	}
	c.State = ChunkUploaded
	c.BytesAcked = c.Length
	c.ETag = etag
	s.counters.transition(ChunkQueued, ChunkUploaded, c.Length)
}

// post delivers an event to the loop, reporting false once the loop has exited.
func (s *scheduler) post(ev schedEvent) bool {
	select {
	case <-s.done:
		return false
	case s.events <- ev:
		return true
	}
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer s.stopTimers()

	s.fillSlots(ctx)

	for {
		if finished := s.checkFinished(); finished {
			return
		}

		select {
		case <-ctx.Done():
			s.cancelled = true
		case ev := <-s.events:
			switch ev := ev.(type) {
			case outcomeEvent:
				s.handleOutcome(ctx, ev)
			case requeueEvent:
				s.handleRequeue(ctx, ev.index)
			case pauseEvent:
				s.paused = true
				s.logger.Infof("Upload %s paused", s.manifest.UploadID)
			case resumeEvent:
				if s.paused {
					s.paused = false
					s.logger.Infof("Upload %s resumed", s.manifest.UploadID)
					s.fillSlots(ctx)
				}
			case cancelEvent:
				s.cancelled = true
			case retryChunksEvent:
				ev.reply <- s.handleRetryChunks(ctx, ev.indices)
			}
		}
	}
}

// checkFinished decides whether the session reached a terminal state and
// computes the result if so. In-flight transports are left to finish on their
// own after cancellation; their outcomes are never processed.
func (s *scheduler) checkFinished() bool {
	if s.cancelled {
		s.result = Result{Status: StatusCancelled}
		return true
	}

	if s.activeCount > 0 || s.pendingRetries > 0 {
		return false
	}
	for _, c := range s.chunks {
		if c.State == ChunkQueued {
			return false
		}
	}

	failed := s.permanentlyFailed()
	if len(failed) > 0 {
		s.result = Result{Status: StatusFailed, FailedChunks: failed}
		return true
	}

	s.result = Result{Status: StatusCompleted, ETags: s.etags()}
	return true
}

func (s *scheduler) permanentlyFailed() []int {
	var failed []int
	for _, c := range s.chunks {
		if c.State == ChunkFailed && c.permanent {
			failed = append(failed, c.Index)
		}
	}
	return failed
}

func (s *scheduler) etags() []string {
	etags := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		etags[i] = c.ETag
	}
	return etags
}

// fillSlots promotes queued chunks to active, lowest index first, until the
// concurrency cap is reached.
func (s *scheduler) fillSlots(ctx context.Context) {
	if s.paused || s.cancelled {
		return
	}
	for s.activeCount < s.cfg.Concurrency {
		c := s.nextQueued()
		if c == nil {
			return
		}
		s.dispatch(ctx, c)
	}
}

func (s *scheduler) nextQueued() *ChunkDescriptor {
	for _, c := range s.chunks {
		if c.State == ChunkQueued {
			return c
		}
	}
	return nil
}

func (s *scheduler) dispatch(ctx context.Context, c *ChunkDescriptor) {
	c.State = ChunkActive
	c.Attempts++
	s.counters.transition(ChunkQueued, ChunkActive, 0)
	s.activeCount++

	s.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
		c.Index+1, s.manifest.TotalChunks, c.Attempts, s.cfg.MaxAttempts,
		s.stats.finishedCount(), s.stats.average().Round(time.Millisecond))

	index, size := c.Index, c.Length
	go func() {
		start := time.Now()
		ack, err := s.sendChunk(ctx, index, size)
		s.post(outcomeEvent{index: index, ack: ack, err: err, took: time.Since(start)})
	}()
}

func (s *scheduler) sendChunk(ctx context.Context, index int, size int64) (ChunkAck, error) {
	reader, err := s.provider.GetChunk(index)
	if err != nil {
		return ChunkAck{}, &TransportError{
			Kind: ErrKindNetwork,
			Err:  fmt.Errorf("get chunk %d: %w", index, err),
		}
	}

	if s.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ChunkTimeout)
		defer cancel()
	}

	return s.transport.SendChunk(ctx, s.manifest.UploadID, index, reader, size)
}

func (s *scheduler) handleOutcome(ctx context.Context, ev outcomeEvent) {
	s.activeCount--
	c := s.chunks[ev.index]

	if ev.err == nil {
		c.State = ChunkUploaded
		c.BytesAcked = c.Length
		c.ETag = ev.ack.ETag
		c.LastErr = nil
		s.counters.transition(ChunkActive, ChunkUploaded, c.Length)
		s.stats.update(ev.took)
		s.logger.Debugf("Chunk %d/%d uploaded in %v",
			ev.index+1, s.manifest.TotalChunks, ev.took.Round(time.Millisecond))
		if s.onUploaded != nil {
			s.onUploaded(ev.index, ev.ack.ETag)
		}
		s.fillSlots(ctx)
		return
	}

	c.State = ChunkFailed
	c.LastErr = ev.err
	s.counters.transition(ChunkActive, ChunkFailed, 0)

	kind := errorKind(ev.err)
	switch {
	case !kind.Retryable():
		c.permanent = true
		s.logger.Errorf("Chunk %d rejected by server, giving up: %s", ev.index+1, ev.err)
	case c.Attempts >= s.cfg.MaxAttempts:
		c.permanent = true
		s.logger.Errorf("Chunk %d failed %d times, giving up: %s", ev.index+1, c.Attempts, ev.err)
	default:
		delay := backoffDelay(s.cfg, c.Attempts)
		c.retryPending = true
		s.pendingRetries++
		index := ev.index
		s.timers[index] = time.AfterFunc(delay, func() {
			s.post(requeueEvent{index: index})
		})
		s.logger.Warnf("Chunk %d attempt %d failed (%s), retrying in %v: %s",
			ev.index+1, c.Attempts, kind, delay, ev.err)
	}

	s.fillSlots(ctx)
}

func (s *scheduler) handleRequeue(ctx context.Context, index int) {
	c := s.chunks[index]
	if !c.retryPending {
		return
	}
	c.retryPending = false
	s.pendingRetries--
	delete(s.timers, index)

	c.State = ChunkQueued
	s.counters.transition(ChunkFailed, ChunkQueued, 0)
	s.fillSlots(ctx)
}

// handleRetryChunks re-queues permanently failed chunks on the caller's
// explicit request, resetting their attempt budget.
func (s *scheduler) handleRetryChunks(ctx context.Context, indices []int) error {
	for _, index := range indices {
		if index < 0 || index >= len(s.chunks) {
			return fmt.Errorf("chunk index %d out of range [0, %d)", index, len(s.chunks))
		}
		c := s.chunks[index]
		if c.State != ChunkFailed || !c.permanent {
			return fmt.Errorf("chunk %d is %s, only permanently failed chunks can be re-queued", index, c.State)
		}
	}

	for _, index := range indices {
		c := s.chunks[index]
		c.permanent = false
		c.Attempts = 0
		c.LastErr = nil
		c.State = ChunkQueued
		s.counters.transition(ChunkFailed, ChunkQueued, 0)
	}

	s.fillSlots(ctx)
	return nil
}

func (s *scheduler) stopTimers() {
	for _, timer := range s.timers {
		timer.Stop()
	}
}

// backoffDelay is base * 2^(attempts-1), capped at the configured maximum.
func backoffDelay(cfg Config, attempts int) time.Duration {
	delay := cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}
	return delay
}
