package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"mediavault/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	// S3 не принимает части меньше 5MB, кроме последней
	minPartSize = 5 * 1024 * 1024
)

// Client - хранилище содержимого файлов в S3-совместимом бакете
type Client struct {
	client    API
	bucket    string
	threshold int64
	partSize  int64
	logger    *zap.Logger
}

// NewClient создает клиента и проверяет доступ к бакету
func NewClient(ctx context.Context, conf *Config, logger *zap.Logger) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 configuration: %w", err)
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	api := s3.New(s3.Options{
		BaseEndpoint:     aws.String(conf.Endpoint),
		Region:           conf.Region,
		Credentials:      creds,
		UsePathStyle:     conf.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	})

	c := NewWithAPI(api, conf, logger)

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(conf.Bucket)}); err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, err)
	}

	return c, nil
}

// NewWithAPI собирает клиента поверх готовой реализации API
func NewWithAPI(api API, conf *Config, logger *zap.Logger) *Client {
	return &Client{
		client:    api,
		bucket:    conf.Bucket,
		threshold: conf.MultipartThreshold,
		partSize:  conf.PartSize,
		logger:    logger.Named("s3"),
	}
}

// Put загружает объект. Большие объекты уходят по частям,
// при ошибке незавершенная загрузка отменяется.
func (h *Client) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}

	if size <= h.threshold {
		if err := h.putSingle(ctx, key, r, size, contentType); err != nil {
			return "", err
		}
		return key, nil
	}

	if err := h.putMultipart(ctx, key, r, size, contentType); err != nil {
		return "", err
	}
	return key, nil
}

func (h *Client) putSingle(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, r); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file to S3: %w", err)
	}
	return nil
}

func (h *Client) putMultipart(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	uploadID, err := h.CreateMultipartUpload(ctx, key, contentType)
	if err != nil {
		return err
	}

	parts, err := h.uploadParts(ctx, uploadID, key, r, size)
	if err == nil {
		err = h.CompleteMultipartUpload(ctx, uploadID, key, parts)
	}
	if err != nil {
		// отмена должна дойти даже при отмененном контексте загрузки
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer cancel()
		if abortErr := h.AbortMultipartUpload(abortCtx, uploadID, key); abortErr != nil {
			h.logger.Error("failed to abort multipart upload",
				zap.String("key", key),
				zap.String("upload_id", uploadID),
				zap.Error(abortErr))
		}
		return err
	}
	return nil
}

func (h *Client) uploadParts(ctx context.Context, uploadID, key string, r io.Reader, size int64) ([]CompletedPart, error) {
	var parts []CompletedPart
	buf := make([]byte, h.partSize)
	var total int64

	for partNumber := 1; ; partNumber++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			etag, upErr := h.UploadPart(ctx, uploadID, key, partNumber, buf[:n])
			if upErr != nil {
				return nil, upErr
			}
			parts = append(parts, CompletedPart{PartNumber: partNumber, ETag: etag})
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
	}

	if total != size {
		return nil, fmt.Errorf("read %d bytes, expected %d", total, size)
	}
	return parts, nil
}

// Open возвращает содержимое объекта
func (h *Client) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return h.GetObject(ctx, key)
}

// GetObject получает объект из S3
func (h *Client) GetObject(ctx context.Context, key string) (S3Object, error) {
	result, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	return &s3Object{
		ReadCloser:    result.Body,
		contentLength: aws.ToInt64(result.ContentLength),
		contentType:   aws.ToString(result.ContentType),
	}, nil
}

// Delete удаляет объект. Отсутствующий объект - не ошибка.
func (h *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// CreateMultipartUpload инициализирует загрузку по частям
func (h *Client) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	result, err := h.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(h.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}

	return aws.ToString(result.UploadId), nil
}

// UploadPart загружает часть файла
func (h *Client) UploadPart(ctx context.Context, uploadID string, key string, partNumber int, data []byte) (string, error) {
	result, err := h.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		PartNumber:    aws.Int32(int32(partNumber)),
		UploadId:      aws.String(uploadID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}

	return aws.ToString(result.ETag), nil
}

// CompleteMultipartUpload завершает загрузку по частям
func (h *Client) CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []CompletedPart) error {
	completedParts := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completedParts = append(completedParts, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
	}

	_, err := h.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return nil
}

// AbortMultipartUpload отменяет загрузку по частям
func (h *Client) AbortMultipartUpload(ctx context.Context, uploadID string, key string) error {
	_, err := h.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
