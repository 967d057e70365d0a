package uploader

// ChunkState is the lifecycle state of a single chunk.
type ChunkState int

const (
	// ChunkQueued means the chunk is waiting for a free upload slot.
	ChunkQueued ChunkState = iota
	// ChunkActive means a transport attempt is in flight for the chunk.
	ChunkActive
	// ChunkUploaded means the chunk has been acknowledged by the server.
	ChunkUploaded
	// ChunkFailed means the last attempt failed. The chunk is re-queued after
	// a backoff delay unless the failure is permanent.
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkQueued:
		return "queued"
	case ChunkActive:
		return "active"
	case ChunkUploaded:
		return "uploaded"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkDescriptor tracks one chunk of an upload. Descriptors are owned
// exclusively by the scheduler; other components only see snapshots.
type ChunkDescriptor struct {
	Index      int
	Offset     int64
	Length     int64
	State      ChunkState
	Attempts   int
	BytesAcked int64
	ETag       string
	LastErr    error

	// permanent marks a failed chunk as not eligible for automatic retry,
	// either because the server rejected it or because attempts ran out.
	permanent bool
	// retryPending marks a failed chunk whose backoff timer has not fired yet.
	retryPending bool
}

// buildChunks produces the manifest's chunk descriptors in index order, each
// initialized to the queued state.
func buildChunks(m Manifest) []*ChunkDescriptor {
	chunks := make([]*ChunkDescriptor, m.TotalChunks)
	for i := range chunks {
		offset, length := m.ChunkRange(i)
		chunks[i] = &ChunkDescriptor{
			Index:  i,
			Offset: offset,
			Length: length,
			State:  ChunkQueued,
		}
	}
	return chunks
}
