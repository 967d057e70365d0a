package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorKind classifies a failed chunk transport attempt. The classification
// decides whether the scheduler retries the chunk or gives up on it.
type ErrorKind int

const (
	// ErrKindNetwork means the request got no usable response (connection
	// error, timeout). Retried.
	ErrKindNetwork ErrorKind = iota
	// ErrKindServerTransient means the server answered with a temporary
	// failure (5xx, throttling). Retried.
	ErrKindServerTransient
	// ErrKindServerRejected means the server refused the chunk (4xx). Never
	// retried automatically.
	ErrKindServerRejected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNetwork:
		return "network"
	case ErrKindServerTransient:
		return "serverTransient"
	case ErrKindServerRejected:
		return "serverRejected"
	default:
		return "unknown"
	}
}

// Retryable reports whether the scheduler may retry a chunk failing with this kind.
func (k ErrorKind) Retryable() bool {
	return k != ErrKindServerRejected
}

// TransportError is a classified chunk upload failure.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("chunk upload failed (%s, HTTP %d): %s", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chunk upload failed (%s): %s", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ChunkAck is the server's acknowledgement of a successfully uploaded chunk.
type ChunkAck struct {
	ETag string
}

// Transport sends a single chunk to the backend. It is stateless with respect
// to chunk lifecycle: retries are driven by the scheduler, never by the
// transport itself. Errors returned by SendChunk should be *TransportError so
// the scheduler can classify them; anything else is treated as a network failure.
type Transport interface {
	SendChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64) (ChunkAck, error)
}

// Finalizer commits or aborts an upload once the session is terminal. Finalize
// is an explicit step owned by the backend collaborator and must be idempotent
// on the server side.
type Finalizer interface {
	Finalize(ctx context.Context, uploadID string, etags []string, successful bool) error
}

// classifyStatus maps an HTTP response status to an error kind. Throttling and
// request timeout responses are transient despite being 4xx.
func classifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return ErrKindServerTransient
	case statusCode >= 500:
		return ErrKindServerTransient
	default:
		return ErrKindServerRejected
	}
}

// errorKind extracts the classification from a transport error, defaulting to
// network for unclassified failures.
func errorKind(err error) ErrorKind {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Kind
	}
	return ErrKindNetwork
}
