package uploader

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileChunkProvider(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 25) // 250 bytes
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, content, 0600))

	manifest, err := NewManifest("file.bin", int64(len(content)), 100)
	require.NoError(t, err)

	provider, err := NewFileChunkProvider(path, manifest)
	require.NoError(t, err)
	defer provider.Close()

	var reassembled []byte
	for i := 0; i < manifest.TotalChunks; i++ {
		reader, err := provider.GetChunk(i)
		require.NoError(t, err)

		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, provider.ChunkSize(i), int64(len(data)))
		reassembled = append(reassembled, data...)
	}

	assert.Equal(t, content, reassembled)
}

func TestFileChunkProvider_RereadSameChunk(t *testing.T) {
	content := []byte("retry me")
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, content, 0600))

	manifest, err := NewManifest("file.bin", int64(len(content)), 4)
	require.NoError(t, err)

	provider, err := NewFileChunkProvider(path, manifest)
	require.NoError(t, err)
	defer provider.Close()

	for attempt := 0; attempt < 3; attempt++ {
		reader, err := provider.GetChunk(1)
		require.NoError(t, err)
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, []byte(" me"), data)
	}
}

func TestByteSliceChunkProvider(t *testing.T) {
	provider := NewByteSliceChunkProvider([][]byte{
		[]byte("first"),
		[]byte("second"),
	})

	assert.Equal(t, int64(5), provider.ChunkSize(0))
	assert.Equal(t, int64(6), provider.ChunkSize(1))
	assert.Equal(t, int64(0), provider.ChunkSize(2))

	reader, err := provider.GetChunk(1)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	_, err = provider.GetChunk(2)
	assert.Error(t, err)
}
