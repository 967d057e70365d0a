package uploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// ChunkProvider supplies chunk data for upload. Byte reads happen lazily at
// upload time so the whole file is never buffered in memory.
// For retries, GetChunk may be called multiple times for the same index.
type ChunkProvider interface {
	// GetChunk returns a reader for the chunk at the given index.
	GetChunk(index int) (io.Reader, error)

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64
}

// FileChunkProvider reads chunk byte ranges from a file on disk.
// Thread-safe for parallel chunk reads.
type FileChunkProvider struct {
	file     *os.File
	manifest Manifest
	mu       sync.Mutex
}

// NewFileChunkProvider opens the file described by the manifest for chunked reads.
func NewFileChunkProvider(path string, manifest Manifest) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileChunkProvider{file: file, manifest: manifest}, nil
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	_, length := p.manifest.ChunkRange(index)
	return length
}

// GetChunk returns a reader for the chunk at the given index.
// The range is read into memory so the returned reader supports retries.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset, length := p.manifest.ChunkRange(index)

	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d for chunk %d: %w", offset, index, err)
	}

	chunk := make([]byte, length)
	n, err := io.ReadFull(p.file, chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	if int64(n) != length {
		return nil, fmt.Errorf("short read for chunk %d: expected %d bytes, got %d", index, length, n)
	}

	return bytes.NewReader(chunk), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
// Useful for tests and for callers that already hold the data in memory.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns a reader for the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return bytes.NewReader(p.chunks[index]), nil
}
