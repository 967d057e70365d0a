package uploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestSession(t *testing.T, chunkCount, chunkSize int, transport Transport, cfg Config, opts ...SessionOption) *Session {
	t.Helper()

	manifest, err := NewManifest("test.bin", int64(chunkCount*chunkSize), int64(chunkSize))
	require.NoError(t, err)

	provider := NewByteSliceChunkProvider(chunkedPayload(chunkCount, chunkSize))
	session := NewSession(manifest, provider, transport, cfg, log.NewLogger(), opts...)
	require.NoError(t, session.Start(context.Background()))
	return session
}

func waitResult(t *testing.T, session *Session) Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := session.Wait(ctx)
	require.NoError(t, err)
	return result
}

// drainProgress consumes the progress stream until it closes and returns the
// final snapshot, checking the count partition invariant on every snapshot.
func drainProgress(t *testing.T, session *Session) Snapshot {
	t.Helper()

	var last Snapshot
	for snapshot := range session.Progress() {
		sum := snapshot.UploadedChunks + snapshot.ActiveChunks + snapshot.QueuedChunks + snapshot.FailedChunks
		assert.Equal(t, snapshot.TotalChunks, sum, "chunk counts must partition the total")
		assert.Equal(t, snapshot.Complete(), snapshot.Percentage == 100, "percentage is 100 iff all chunks uploaded")
		last = snapshot
	}
	return last
}

func TestSession_AllChunksSucceed(t *testing.T) {
	transport := newFakeTransport()
	transport.delay = 5 * time.Millisecond

	session := startTestSession(t, 10, 1024, transport, testConfig())

	result := waitResult(t, session)
	final := drainProgress(t, session)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Empty(t, result.FailedChunks)
	require.Len(t, result.ETags, 10)
	assert.Equal(t, "\"etag-7\"", result.ETags[7])

	assert.Equal(t, 100, final.Percentage)
	assert.Equal(t, 10, final.UploadedChunks)
	assert.Equal(t, 0, final.FailedChunks)
	assert.Equal(t, int64(10*1024), final.UploadedBytes)

	assert.LessOrEqual(t, transport.peakConcurrency(), 4)
}

func TestSession_ConcurrencyCap(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		transport := newFakeTransport()
		transport.delay = 5 * time.Millisecond

		cfg := testConfig()
		cfg.Concurrency = limit

		session := startTestSession(t, 20, 64, transport, cfg)
		result := waitResult(t, session)

		assert.Equal(t, StatusCompleted, result.Status)
		assert.LessOrEqual(t, transport.peakConcurrency(), limit, "concurrency cap %d", limit)
	}
}

func TestSession_TransientFailureIsRetried(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(index, attempt int) error {
		if index == 2 && attempt <= 2 {
			return &TransportError{Kind: ErrKindServerTransient, StatusCode: 503, Err: errors.New("try again")}
		}
		return nil
	}

	session := startTestSession(t, 3, 128, transport, testConfig())
	result := waitResult(t, session)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, transport.attemptCount(2))
	assert.Equal(t, 1, transport.attemptCount(0))
	assert.Equal(t, 1, transport.attemptCount(1))
}

func TestSession_TransientFailureExhaustsAttempts(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(index, attempt int) error {
		return &TransportError{Kind: ErrKindServerTransient, StatusCode: 500, Err: errors.New("always down")}
	}

	session := startTestSession(t, 1, 128, transport, testConfig())
	result := waitResult(t, session)
	final := drainProgress(t, session)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, []int{0}, result.FailedChunks)
	assert.Equal(t, 3, transport.attemptCount(0), "never retried past MaxAttempts")
	assert.Equal(t, 1, final.FailedChunks)
}

func TestSession_RejectedChunkIsNeverRetried(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(index, attempt int) error {
		if index == 1 {
			return &TransportError{Kind: ErrKindServerRejected, StatusCode: 400, Err: errors.New("bad chunk")}
		}
		return nil
	}

	session := startTestSession(t, 3, 128, transport, testConfig())
	result := waitResult(t, session)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, []int{1}, result.FailedChunks)
	assert.Equal(t, 1, transport.attemptCount(1), "rejected chunks get exactly one attempt")
	assert.Equal(t, 1, transport.attemptCount(0))
	assert.Equal(t, 1, transport.attemptCount(2))
}

func TestSession_Cancel(t *testing.T) {
	transport := newFakeTransport()
	transport.delay = 30 * time.Millisecond

	cfg := testConfig()
	cfg.Concurrency = 2

	session := startTestSession(t, 12, 64, transport, cfg)

	time.Sleep(20 * time.Millisecond)
	session.Cancel()
	session.Cancel() // idempotent

	result := waitResult(t, session)
	assert.Equal(t, StatusCancelled, result.Status)

	sentAtCancel := transport.sentCount()
	assert.Less(t, sentAtCancel, 12)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sentAtCancel, transport.sentCount(), "no transport calls after cancellation")
}

func TestSession_PauseAndResume(t *testing.T) {
	transport := newFakeTransport()
	transport.delay = 10 * time.Millisecond

	cfg := testConfig()
	cfg.Concurrency = 2

	session := startTestSession(t, 8, 64, transport, cfg)
	session.Pause()

	time.Sleep(100 * time.Millisecond)
	sentWhilePaused := transport.sentCount()
	assert.Less(t, sentWhilePaused, 8, "pause must stop promoting queued chunks")

	session.Resume()
	result := waitResult(t, session)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 8, transport.sentCount())
}

func TestSession_EmptyFile(t *testing.T) {
	transport := newFakeTransport()
	finalizer := &fakeFinalizer{}

	manifest, err := NewManifest("empty.bin", 0, 1024)
	require.NoError(t, err)
	require.Equal(t, 0, manifest.TotalChunks)

	session := NewSession(manifest, NewByteSliceChunkProvider(nil), transport, testConfig(), log.NewLogger(), WithFinalizer(finalizer))
	require.NoError(t, session.Start(context.Background()))

	result := waitResult(t, session)
	final := drainProgress(t, session)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, transport.sentCount())
	assert.Equal(t, 100, final.Percentage)
	assert.True(t, finalizer.called)
	assert.True(t, finalizer.successful)
}

func TestSession_FinalizeReceivesETags(t *testing.T) {
	transport := newFakeTransport()
	finalizer := &fakeFinalizer{}

	session := startTestSession(t, 4, 64, transport, testConfig(), WithFinalizer(finalizer))
	result := waitResult(t, session)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, finalizer.called)
	assert.True(t, finalizer.successful)
	assert.Equal(t, session.manifest.UploadID, finalizer.uploadID)
	assert.Equal(t, result.ETags, finalizer.etags)
}

func TestSession_FinalizeFailureFailsCompletedUpload(t *testing.T) {
	transport := newFakeTransport()
	finalizer := &fakeFinalizer{err: errors.New("commit refused")}

	session := startTestSession(t, 2, 64, transport, testConfig(), WithFinalizer(finalizer))
	result := waitResult(t, session)

	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)
}

func TestSession_RetryChunksWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	transport := newFakeTransport()
	transport.respond = func(index, attempt int) error {
		if index == 0 && attempt == 1 {
			return &TransportError{Kind: ErrKindServerRejected, StatusCode: 400, Err: errors.New("bad chunk")}
		}
		if index != 0 {
			<-gate
		}
		return nil
	}

	cfg := testConfig()
	cfg.Concurrency = 3

	session := startTestSession(t, 3, 64, transport, cfg)

	// Wait until chunk 0 is permanently failed, then re-queue it.
	require.Eventually(t, func() bool {
		return session.RetryChunks(0) == nil
	}, 5*time.Second, 5*time.Millisecond)

	close(gate)
	result := waitResult(t, session)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, transport.attemptCount(0))
}

func TestSession_RetryChunksAfterFinish(t *testing.T) {
	transport := newFakeTransport()

	session := startTestSession(t, 2, 64, transport, testConfig())
	waitResult(t, session)

	err := session.RetryChunks(0)
	require.Error(t, err)
}

func TestSession_StartTwice(t *testing.T) {
	transport := newFakeTransport()

	session := startTestSession(t, 1, 64, transport, testConfig())
	require.Error(t, session.Start(context.Background()))
	waitResult(t, session)
}
