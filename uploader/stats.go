package uploader

import (
	"sync"
	"time"
)

// transferStats tracks per-chunk upload durations for logging and diagnostics.
type transferStats struct {
	sum            time.Duration
	finishedChunks int64
	mu             sync.Mutex
}

// update records a successful chunk upload duration.
func (s *transferStats) update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// average returns the average upload duration for completed chunks.
func (s *transferStats) average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// finishedCount returns the number of completed chunk uploads.
func (s *transferStats) finishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}
