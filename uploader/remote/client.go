// Package remote is the client for the upload service's control plane: it
// prepares an upload (minting the upload ID and per-chunk signed URLs) and
// acknowledges it once all chunks are transferred.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/pitchey/upload-engine/uploader"
)

// PrepareUploadRequest describes the file to be uploaded.
type PrepareUploadRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// PrepareUploadResponse carries the server-minted upload ID and the chunking
// the server expects, including one signed URL per chunk.
type PrepareUploadResponse struct {
	ID                 string               `json:"id"`
	UploadURLs         []uploader.UploadURL `json:"urls"`
	ChunkSizeBytes     int64                `json:"chunk_size_bytes"`
	ChunkCount         int                  `json:"chunk_count"`
	LastChunkSizeBytes int64                `json:"last_chunk_size_bytes"`
}

// AcknowledgeResponse is the server's reaction to a finalized upload.
type AcknowledgeResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type acknowledgeRequest struct {
	Successful bool     `json:"successful"`
	Etags      []string `json:"etags"`
}

// Client talks to the upload service. Control-plane calls are cheap and
// idempotent, so they go through a retrying HTTP client.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(baseURL string, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  retryhttp.NewClient(logger),
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// PrepareUpload registers the upload and returns the chunking plus signed URLs.
func (c *Client) PrepareUpload(requestBody PrepareUploadRequest) (PrepareUploadResponse, error) {
	url := fmt.Sprintf("%s/uploads", c.baseURL)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return PrepareUploadResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return PrepareUploadResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PrepareUploadResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return PrepareUploadResponse{}, unwrapError(resp)
	}

	var response PrepareUploadResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return PrepareUploadResponse{}, err
	}

	return response, nil
}

// Acknowledge reports the upload outcome and the collected chunk ETags.
func (c *Client) Acknowledge(uploadID string, successful bool, etags []string) (AcknowledgeResponse, error) {
	url := fmt.Sprintf("%s/uploads/%s/acknowledge", c.baseURL, uploadID)

	body, err := json.Marshal(acknowledgeRequest{
		Successful: successful,
		Etags:      etags,
	})
	if err != nil {
		return AcknowledgeResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPatch, url, body)
	if err != nil {
		return AcknowledgeResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AcknowledgeResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return AcknowledgeResponse{}, unwrapError(resp)
	}

	var response AcknowledgeResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return AcknowledgeResponse{}, err
	}

	LogResponseMessage(response, c.logger)
	return response, nil
}

// Finalize adapts Acknowledge to the engine's Finalizer contract.
func (c *Client) Finalize(ctx context.Context, uploadID string, etags []string, successful bool) error {
	_, err := c.Acknowledge(uploadID, successful, etags)
	if err != nil {
		return fmt.Errorf("acknowledge upload: %w", err)
	}
	return nil
}

// LogResponseMessage logs a server-provided message at the severity the server asks for.
func LogResponseMessage(response AcknowledgeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn(response.Message)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
