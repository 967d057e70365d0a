package uploader

import (
	"math"
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time summary of upload progress. A new
// value is produced on every aggregation tick; consumers never see partial
// updates. Satisfies any progress display (bar, spinner, log line).
type Snapshot struct {
	Percentage     int   `json:"percentage"`
	UploadedBytes  int64 `json:"uploadedBytes"`
	TotalBytes     int64 `json:"totalBytes"`
	UploadedChunks int   `json:"uploadedChunks"`
	TotalChunks    int   `json:"totalChunks"`
	ActiveChunks   int   `json:"activeChunks"`
	QueuedChunks   int   `json:"queuedChunks"`
	FailedChunks   int   `json:"failedChunks"`

	// Speed is the smoothed upload speed in bytes per second. Zero when
	// nothing completed within the speed window.
	Speed float64 `json:"speed"`

	// EstimatedTimeRemaining is a linear projection from Speed and the
	// remaining bytes. Zero when Speed is zero or the upload is complete.
	// It is a UX hint, not a guarantee.
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// Complete reports whether every chunk has been uploaded.
func (s Snapshot) Complete() bool {
	return s.UploadedChunks == s.TotalChunks
}

// progressCounters is the scheduler's shared progress state. The scheduler
// mutates it on every chunk transition; the aggregator only reads. The mutex
// keeps the four chunk counts consistent as a partition of TotalChunks.
type progressCounters struct {
	mu            sync.Mutex
	totalBytes    int64
	totalChunks   int
	uploadedBytes int64
	uploaded      int
	active        int
	queued        int
	failed        int
}

func newProgressCounters(m Manifest) *progressCounters {
	return &progressCounters{
		totalBytes:  m.TotalBytes,
		totalChunks: m.TotalChunks,
		queued:      m.TotalChunks,
	}
}

func (p *progressCounters) transition(from, to ChunkState, ackedBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bump(from, -1)
	p.bump(to, +1)
	p.uploadedBytes += ackedBytes
}

func (p *progressCounters) bump(state ChunkState, delta int) {
	switch state {
	case ChunkQueued:
		p.queued += delta
	case ChunkActive:
		p.active += delta
	case ChunkUploaded:
		p.uploaded += delta
	case ChunkFailed:
		p.failed += delta
	}
}

func (p *progressCounters) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Percentage:     percentage(p.uploadedBytes, p.totalBytes, p.uploaded == p.totalChunks),
		UploadedBytes:  p.uploadedBytes,
		TotalBytes:     p.totalBytes,
		UploadedChunks: p.uploaded,
		TotalChunks:    p.totalChunks,
		ActiveChunks:   p.active,
		QueuedChunks:   p.queued,
		FailedChunks:   p.failed,
	}
}

// percentage is 100 exactly when all chunks are uploaded. Rounding is clamped
// to 99 for an incomplete upload so a display never shows a premature 100%.
func percentage(uploadedBytes, totalBytes int64, complete bool) int {
	if complete {
		return 100
	}
	if totalBytes == 0 {
		return 0
	}
	pct := int(math.Round(float64(uploadedBytes) / float64(totalBytes) * 100))
	if pct > 99 {
		pct = 99
	}
	return pct
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// aggregator derives progress snapshots from the scheduler's counters on a
// fixed tick. It is a read-only observer and never blocks the scheduler.
type aggregator struct {
	counters *progressCounters
	interval time.Duration
	window   time.Duration

	out       chan Snapshot
	samples   []speedSample
	lastBytes int64
}

func newAggregator(counters *progressCounters, interval, window time.Duration) *aggregator {
	return &aggregator{
		counters: counters,
		interval: interval,
		window:   window,
		out:      make(chan Snapshot, 16),
	}
}

func (a *aggregator) snapshots() <-chan Snapshot {
	return a.out
}

// run emits snapshots until stop is closed, then emits one final snapshot and
// closes the output channel.
func (a *aggregator) run(stop <-chan struct{}) {
	// Chunks restored from a persisted manifest are already acked when the
	// session starts; they must not count towards the measured speed.
	a.lastBytes = a.counters.snapshot().UploadedBytes

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			a.emit(a.tick(time.Now()), true)
			close(a.out)
			return
		case now := <-ticker.C:
			a.emit(a.tick(now), false)
		}
	}
}

func (a *aggregator) tick(now time.Time) Snapshot {
	snapshot := a.counters.snapshot()

	if delta := snapshot.UploadedBytes - a.lastBytes; delta > 0 {
		a.samples = append(a.samples, speedSample{at: now, bytes: delta})
	}
	a.lastBytes = snapshot.UploadedBytes
	a.samples = pruneSamples(a.samples, now, a.window)

	snapshot.Speed = windowSpeed(a.samples, a.window)
	snapshot.EstimatedTimeRemaining = estimateRemaining(snapshot)
	return snapshot
}

// emit never blocks: when the consumer lags, the oldest buffered snapshot is
// dropped in favor of the newer one.
func (a *aggregator) emit(snapshot Snapshot, final bool) {
	for {
		select {
		case a.out <- snapshot:
			return
		default:
			if !final {
				return
			}
			select {
			case <-a.out:
			default:
			}
		}
	}
}

func pruneSamples(samples []speedSample, now time.Time, window time.Duration) []speedSample {
	kept := samples[:0]
	for _, s := range samples {
		if now.Sub(s.at) <= window {
			kept = append(kept, s)
		}
	}
	return kept
}

// windowSpeed averages acked bytes over the whole window span. No completions
// within the window means zero speed; a single burst is flattened rather than
// extrapolated.
func windowSpeed(samples []speedSample, window time.Duration) float64 {
	var total int64
	for _, s := range samples {
		total += s.bytes
	}
	if total == 0 || window <= 0 {
		return 0
	}
	return float64(total) / window.Seconds()
}

func estimateRemaining(s Snapshot) time.Duration {
	if s.Speed <= 0 || s.Complete() {
		return 0
	}
	remaining := float64(s.TotalBytes - s.UploadedBytes)
	return time.Duration(remaining / s.Speed * float64(time.Second))
}
