package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadURL is a signed URL for uploading a single chunk, as returned by the
// upload service's prepare call.
type UploadURL struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// HTTPTransport uploads chunks over plain HTTP, one signed URL per chunk.
// It performs no retries of its own: every attempt outcome is reported back to
// the scheduler, which owns the retry policy.
type HTTPTransport struct {
	client *http.Client
	urls   []UploadURL
	logger log.Logger
}

// NewHTTPTransport creates a transport that PUTs chunk i to urls[i].
// A nil client falls back to DefaultHTTPClient.
func NewHTTPTransport(client *http.Client, urls []UploadURL, logger log.Logger) *HTTPTransport {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &HTTPTransport{
		client: client,
		urls:   urls,
		logger: logger,
	}
}

// SendChunk uploads one chunk and classifies any failure.
func (t *HTTPTransport) SendChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64) (ChunkAck, error) {
	if index < 0 || index >= len(t.urls) {
		return ChunkAck{}, &TransportError{
			Kind: ErrKindServerRejected,
			Err:  fmt.Errorf("no upload URL for chunk %d (%d URLs)", index, len(t.urls)),
		}
	}
	uploadURL := t.urls[index]

	req, err := http.NewRequestWithContext(ctx, uploadURL.Method, uploadURL.URL, data)
	if err != nil {
		return ChunkAck{}, &TransportError{
			Kind: ErrKindServerRejected,
			Err:  fmt.Errorf("create request: %w", err),
		}
	}

	for k, v := range uploadURL.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Upload-Id", uploadID)
	req.ContentLength = size

	resp, err := t.client.Do(req)
	if err != nil {
		return ChunkAck{}, &TransportError{
			Kind: ErrKindNetwork,
			Err:  fmt.Errorf("do request: %w", err),
		}
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			t.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return ChunkAck{}, &TransportError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(errorBody[:n])),
		}
	}

	return ChunkAck{ETag: resp.Header.Get("ETag")}, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *HTTPTransport) CloseIdleConnections() {
	if transport, ok := t.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
