package uploader

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

// Config holds configuration for an upload session.
type Config struct {
	// Concurrency is the maximum number of chunks uploaded in parallel.
	// Default: min(NumCPU, 6), minimum 2
	Concurrency int

	// MaxAttempts is the maximum number of transport attempts per chunk before
	// the chunk is marked permanently failed.
	// Default: 3
	MaxAttempts int

	// BackoffBase is the delay before the first retry of a chunk. Subsequent
	// retries double the delay up to BackoffMax.
	// Default: 1 second
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	// Default: 30 seconds
	BackoffMax time.Duration

	// ChunkTimeout is the per-attempt transport timeout. A timed out attempt is
	// treated as a network failure and retried. Zero disables the timeout.
	// Default: 2 minutes
	ChunkTimeout time.Duration

	// ProgressInterval is the cadence at which progress snapshots are emitted.
	// Default: 500 milliseconds
	ProgressInterval time.Duration

	// SpeedWindow is the rolling window over which upload speed is averaged.
	// Default: 5 seconds
	SpeedWindow time.Duration

	// HTTPClient is the HTTP client used by HTTPTransport.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		ChunkTimeout:     2 * time.Minute,
		ProgressInterval: 500 * time.Millisecond,
		SpeedWindow:      5 * time.Second,
		HTTPClient:       nil, // Will be created by the transport
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU()

	if c > 6 {
		c = 6
	}

	if c < 2 {
		c = 2
	}

	return c
}

// ConfigFromEnv returns the default configuration with overrides read from the
// environment: UPLOAD_CONCURRENCY, UPLOAD_MAX_ATTEMPTS, UPLOAD_CHUNK_TIMEOUT_SEC.
// Invalid or missing values keep the defaults.
func ConfigFromEnv(envRepo env.Repository) Config {
	config := DefaultConfig()

	if v, err := strconv.Atoi(envRepo.Get("UPLOAD_CONCURRENCY")); err == nil && v >= 1 {
		config.Concurrency = v
	}
	if v, err := strconv.Atoi(envRepo.Get("UPLOAD_MAX_ATTEMPTS")); err == nil && v >= 1 {
		config.MaxAttempts = v
	}
	if v, err := strconv.Atoi(envRepo.Get("UPLOAD_CHUNK_TIMEOUT_SEC")); err == nil && v >= 0 {
		config.ChunkTimeout = time.Duration(v) * time.Second
	}

	return config
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaults.ProgressInterval
	}
	if c.SpeedWindow <= 0 {
		c.SpeedWindow = defaults.SpeedWindow
	}
	return c
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// OptimalChunkSizeBytes calculates optimal chunk size based on total size and concurrency.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	return int64(optimalChunkSizeBytes(uint64(totalSize), 8*1024*1024, 100*1024*1024, uint64(concurrency)))
}

func optimalChunkSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	// Reduce chunk size for very large chunks to improve parallelism
	if cs >= 100*1024*1024 {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}
