package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

const recordContentType = "application/json"

// archiveStamp is UTC wall time with millisecond precision; the trailing Z
// is appended by archiveKey.
const archiveStamp = "20060102T150405.000"

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	SourceBucket  string
	ResultBucket  string
	ArchivePrefix string
	LatestKey     string
}

// Store reads source images and persists result records. It implements
// both pipeline.SourceStore and pipeline.ResultStore.
type Store struct {
	client        *minio.Client
	sourceBucket  string
	resultBucket  string
	archivePrefix string
	latestKey     string
	region        string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	for _, bucket := range []string{cfg.SourceBucket, cfg.ResultBucket} {
		exists, err := cli.BucketExists(ctx, bucket)
		if err != nil {
			return nil, mapErr("probe bucket "+bucket, err)
		}
		if !exists {
			if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, mapErr("create bucket "+bucket, err)
			}
		}
	}

	return &Store{
		client:        cli,
		sourceBucket:  cfg.SourceBucket,
		resultBucket:  cfg.ResultBucket,
		archivePrefix: cfg.ArchivePrefix,
		latestKey:     cfg.LatestKey,
		region:        cfg.Region,
	}, nil
}

// Client exposes the underlying connection for the bucket-notification
// listener.
func (s *Store) Client() *minio.Client {
	return s.client
}

// Fetch downloads one source object and reports its content type.
func (s *Store) Fetch(ctx context.Context, bucket, key string) ([]byte, string, error) {
	if bucket == "" {
		bucket = s.sourceBucket
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", mapErr("fetch "+bucket+"/"+key, err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, "", mapErr("stat "+bucket+"/"+key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", mapErr("read "+bucket+"/"+key, err)
	}
	return data, stat.ContentType, nil
}

// Archive writes the append-only per-run copy and returns its key. Archive
// records are never overwritten: an occupied key falls back to the full
// run id, and an occupied fallback fails the write.
func (s *Store) Archive(ctx context.Context, rec *pipeline.StoredRecord) (string, error) {
	key, err := s.freeArchiveKey(ctx, rec)
	if err != nil {
		return "", err
	}
	if err := s.put(ctx, key, rec); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) freeArchiveKey(ctx context.Context, rec *pipeline.StoredRecord) (string, error) {
	for _, key := range s.archiveCandidates(rec) {
		_, err := s.client.StatObject(ctx, s.resultBucket, key, minio.StatObjectOptions{})
		if err == nil {
			continue
		}
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return "", mapErr("probe archive "+key, err)
		}
		return key, nil
	}
	return "", fmt.Errorf("archive objects for run %s already exist", rec.RunID)
}

// Activate overwrites the single mutable latest slot. Last write wins.
func (s *Store) Activate(ctx context.Context, rec *pipeline.StoredRecord) error {
	return s.put(ctx, s.latestKey, rec)
}

func (s *Store) LatestKey() string {
	return s.latestKey
}

// Bucket is where result records land.
func (s *Store) Bucket() string {
	return s.resultBucket
}

func (s *Store) put(ctx context.Context, key string, rec *pipeline.StoredRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.resultBucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: recordContentType})
	if err != nil {
		return mapErr("put "+s.resultBucket+"/"+key, err)
	}
	return nil
}

// archiveCandidates lists the keys a record may land on. The short form is
// preferred; the full run id disambiguates a same-millisecond collision.
func (s *Store) archiveCandidates(rec *pipeline.StoredRecord) []string {
	keys := []string{s.archiveKey(rec)}
	if full := s.stampedKey(rec, rec.RunID); full != keys[0] {
		keys = append(keys, full)
	}
	return keys
}

func (s *Store) archiveKey(rec *pipeline.StoredRecord) string {
	run := rec.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	return s.stampedKey(rec, run)
}

func (s *Store) stampedKey(rec *pipeline.StoredRecord, run string) string {
	return fmt.Sprintf("%sresult_%sZ_%s.json", s.archivePrefix, rec.ProcessedAt.UTC().Format(archiveStamp), run)
}

// Check pings the backend for the health endpoint.
func (s *Store) Check(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.resultBucket); err != nil {
		return mapErr("storage health", err)
	}
	return nil
}

// mapErr sorts S3-style failures into the pipeline taxonomy. Anything
// without a recognized permanent code is treated as transient.
func mapErr(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return fmt.Errorf("%s: %w: %v", op, pipeline.ErrNotFound, err)
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", op, pipeline.ErrStorageAccessDenied, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, pipeline.ErrStorageUnavailable, err)
	}
}
