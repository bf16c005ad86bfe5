package minio

import (
	"bytes"
	"context"
	"crop-ledger/internal/config"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient stores ledger snapshot archives.
type MinioClient struct {
	client *minio.Client
	config config.MinioConfig
}

func NewMinioClient(cfg config.MinioConfig) (*MinioClient, error) {
	endpoint := strings.TrimPrefix(cfg.MinioURL, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	isSecure, err := strconv.ParseBool(cfg.MinioSecure)
	if err != nil {
		slog.Warn("Invalid MinIO secure flag, defaulting to false", "value", cfg.MinioSecure)
		isSecure = false
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: isSecure,
		Region: cfg.MinioLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mc := &MinioClient{client: minioClient, config: cfg}
	if err := mc.ensureBucket(ctx, cfg.SnapshotBucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.SnapshotBucket, err)
	}

	slog.Info("MinIO client initialized", "endpoint", endpoint, "bucket", cfg.SnapshotBucket)
	return mc, nil
}

func (mc *MinioClient) ensureBucket(ctx context.Context, bucketName string) error {
	exists, err := mc.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := mc.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: mc.config.MinioLocation}); err != nil {
		return fmt.Errorf("error creating bucket %s: %w", bucketName, err)
	}
	slog.Info("Created bucket", "bucket", bucketName)
	return nil
}

// UploadBytes stores data under objectName in the snapshot bucket.
func (mc *MinioClient) UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) error {
	_, err := mc.client.PutObject(ctx, mc.config.SnapshotBucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s to bucket %s: %w", objectName, mc.config.SnapshotBucket, err)
	}

	slog.Info("Uploaded object", "bucket", mc.config.SnapshotBucket, "object", objectName, "bytes", len(data))
	return nil
}

// ListObjects returns the names of the stored objects under prefix.
func (mc *MinioClient) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for object := range mc.client.ListObjects(ctx, mc.config.SnapshotBucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		names = append(names, object.Key)
	}
	return names, nil
}
