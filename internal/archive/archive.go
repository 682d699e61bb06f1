package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "application/x-ndjson"

// ErrNotFound is returned by Fetch when no transcript is stored for the
// episode.
var ErrNotFound = errors.New("transcript not found")

// Config holds object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Store uploads episode transcripts to an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New creates a client. It does not contact the server; call EnsureBucket
// before the first upload.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ObjectName is the key a transcript is stored under.
func ObjectName(episodeID string) string {
	return "episodes/" + episodeID + ".jsonl"
}

// Archive uploads a JSONL transcript, tagging it with its SHA-256.
func (s *Store) Archive(ctx context.Context, episodeID string, transcript []byte) error {
	sum := sha256.Sum256(transcript)
	_, err := s.client.PutObject(ctx, s.bucket, ObjectName(episodeID),
		bytes.NewReader(transcript), int64(len(transcript)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: map[string]string{"sha256": hex.EncodeToString(sum[:])},
		})
	if err != nil {
		return fmt.Errorf("upload transcript %s: %w", episodeID, err)
	}
	return nil
}

// Fetch downloads a transcript previously stored with Archive.
func (s *Store) Fetch(ctx context.Context, episodeID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectName(episodeID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", episodeID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("transcript %s: %w", episodeID, ErrNotFound)
		}
		return nil, fmt.Errorf("read transcript %s: %w", episodeID, err)
	}
	return data, nil
}
