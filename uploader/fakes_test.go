package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeTransport scripts per-chunk outcomes and records attempt counts and the
// peak number of concurrent sends.
type fakeTransport struct {
	// respond decides the outcome for a given chunk attempt. Nil means success.
	respond func(index, attempt int) error
	// delay is applied to every send to keep chunks in flight.
	delay time.Duration

	mu       sync.Mutex
	attempts map[int]int

	sent      int32
	active    int32
	maxActive int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attempts: map[int]int{}}
}

func (f *fakeTransport) SendChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64) (ChunkAck, error) {
	current := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, current) {
			break
		}
	}
	atomic.AddInt32(&f.sent, 1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ChunkAck{}, &TransportError{Kind: ErrKindNetwork, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	f.attempts[index]++
	attempt := f.attempts[index]
	f.mu.Unlock()

	if f.respond != nil {
		if err := f.respond(index, attempt); err != nil {
			return ChunkAck{}, err
		}
	}

	if _, err := io.Copy(io.Discard, data); err != nil {
		return ChunkAck{}, err
	}
	return ChunkAck{ETag: fmt.Sprintf("\"etag-%d\"", index)}, nil
}

func (f *fakeTransport) attemptCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[index]
}

func (f *fakeTransport) sentCount() int {
	return int(atomic.LoadInt32(&f.sent))
}

func (f *fakeTransport) peakConcurrency() int {
	return int(atomic.LoadInt32(&f.maxActive))
}

// fakeFinalizer records the finalize call.
type fakeFinalizer struct {
	mu         sync.Mutex
	called     bool
	uploadID   string
	etags      []string
	successful bool
	err        error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, uploadID string, etags []string, successful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.uploadID = uploadID
	f.etags = etags
	f.successful = successful
	return f.err
}

// chunkedPayload splits count chunks of chunkSize bytes for a byte slice provider.
func chunkedPayload(count int, chunkSize int) [][]byte {
	chunks := make([][]byte, count)
	for i := range chunks {
		chunk := make([]byte, chunkSize)
		for j := range chunk {
			chunk[j] = byte(i)
		}
		chunks[i] = chunk
	}
	return chunks
}

// testConfig returns a config with short enough timings for fast tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.ProgressInterval = 10 * time.Millisecond
	cfg.SpeedWindow = time.Second
	return cfg
}
