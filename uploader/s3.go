package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numControlPlaneRetries = 3

// S3TransportParams ...
type S3TransportParams struct {
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Transport uploads chunks as parts of an S3 multipart upload. Chunk retries
// are owned by the scheduler; only the create/complete control-plane calls
// carry their own retry, as those happen outside the scheduler's state machine.
// It implements both Transport and Finalizer.
type S3Transport struct {
	client     *s3.Client
	bucket     string
	key        string
	s3UploadID string
	logger     log.Logger
}

// NewS3Transport starts a multipart upload in the given bucket. The returned
// transport accepts chunks for that upload until Finalize commits or aborts it.
func NewS3Transport(ctx context.Context, params S3TransportParams, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	t := &S3Transport{
		client: s3.NewFromConfig(*cfg),
		bucket: params.Bucket,
		key:    params.Key,
		logger: logger,
	}

	err = retry.Times(numControlPlaneRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(params.Bucket),
			Key:    aws.String(params.Key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		t.s3UploadID = aws.ToString(resp.UploadId)
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	logger.Debugf("Started S3 multipart upload %s for s3://%s/%s", t.s3UploadID, params.Bucket, params.Key)
	return t, nil
}

// SendChunk uploads one chunk as part index+1 of the multipart upload.
func (t *S3Transport) SendChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64) (ChunkAck, error) {
	resp, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key),
		UploadId:      aws.String(t.s3UploadID),
		PartNumber:    aws.Int32(int32(index + 1)),
		Body:          data,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return ChunkAck{}, &TransportError{
			Kind: classifyS3Error(err),
			Err:  fmt.Errorf("upload part %d: %w", index+1, err),
		}
	}

	return ChunkAck{ETag: aws.ToString(resp.ETag)}, nil
}

// Finalize completes the multipart upload, or aborts it when the session failed.
func (t *S3Transport) Finalize(ctx context.Context, uploadID string, etags []string, successful bool) error {
	if !successful {
		return retry.Times(numControlPlaneRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
			_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(t.bucket),
				Key:      aws.String(t.key),
				UploadId: aws.String(t.s3UploadID),
			})
			if err != nil {
				return fmt.Errorf("abort multipart upload: %w", err), false
			}
			return nil, true
		})
	}

	parts := make([]types.CompletedPart, len(etags))
	for i, etag := range etags {
		parts[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(i + 1)),
			ETag:       aws.String(etag),
		}
	}

	return retry.Times(numControlPlaneRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(t.key),
			UploadId: aws.String(t.s3UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: parts,
			},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		return nil, true
	})
}

// classifyS3Error maps an SDK error to the engine's taxonomy: client faults
// will never succeed on retry, server faults might, anything without an API
// response is a network failure.
func classifyS3Error(err error) ErrorKind {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return ErrKindNetwork
	}

	switch apiError.ErrorFault() {
	case smithy.FaultClient:
		return ErrKindServerRejected
	case smithy.FaultServer:
		return ErrKindServerTransient
	default:
		return ErrKindNetwork
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
