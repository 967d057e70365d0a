// Package uploader implements a chunked upload engine: it splits a file into
// fixed-size chunks, uploads them in parallel under a concurrency cap, retries
// transient failures with backoff, and publishes aggregate progress snapshots.
package uploader

import (
	"fmt"

	"github.com/google/uuid"
)

// Manifest identifies one upload job and describes how the file is divided
// into chunks. The chunk size is fixed for the lifetime of the manifest.
type Manifest struct {
	UploadID    string `json:"upload_id"`
	FileName    string `json:"file_name"`
	TotalBytes  int64  `json:"total_bytes"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// NewManifest creates a manifest for a file of the given size with a locally
// minted upload ID. An empty file yields a manifest with zero chunks.
func NewManifest(fileName string, totalBytes, chunkSize int64) (Manifest, error) {
	return NewManifestWithID(uuid.NewString(), fileName, totalBytes, chunkSize)
}

// NewManifestWithID is like NewManifest but uses an upload ID minted elsewhere,
// typically by the upload service's prepare call.
func NewManifestWithID(uploadID, fileName string, totalBytes, chunkSize int64) (Manifest, error) {
	if chunkSize <= 0 {
		return Manifest{}, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if totalBytes < 0 {
		return Manifest{}, fmt.Errorf("total size must not be negative, got %d", totalBytes)
	}

	totalChunks := int((totalBytes + chunkSize - 1) / chunkSize)

	return Manifest{
		UploadID:    uploadID,
		FileName:    fileName,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
	}, nil
}

// ChunkRange returns the byte offset and length of the chunk at the given
// index. The last chunk may be shorter than the configured chunk size.
func (m Manifest) ChunkRange(index int) (offset, length int64) {
	offset = int64(index) * m.ChunkSize
	length = m.ChunkSize
	if remaining := m.TotalBytes - offset; remaining < length {
		length = remaining
	}
	return offset, length
}

// LastChunkSize returns the size of the final chunk, or 0 for an empty file.
func (m Manifest) LastChunkSize() int64 {
	if m.TotalChunks == 0 {
		return 0
	}
	_, length := m.ChunkRange(m.TotalChunks - 1)
	return length
}
