package storage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

func TestArchiveKeyShape(t *testing.T) {
	s := &Store{archivePrefix: "archive/", latestKey: "latest_result.json"}
	rec := &pipeline.StoredRecord{
		RunID:       "0b9af335-7a88-4567-9d20-3a5c66d29eac",
		ProcessedAt: time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC),
	}
	got := s.archiveKey(rec)
	want := "archive/result_20260314T092653.589Z_0b9af335.json"
	if got != want {
		t.Errorf("archiveKey = %q, want %q", got, want)
	}
}

func TestArchiveKeyRendersUTC(t *testing.T) {
	s := &Store{archivePrefix: "archive/"}
	rec := &pipeline.StoredRecord{
		RunID:       "abcdef12",
		ProcessedAt: time.Date(2026, 1, 2, 7, 0, 0, 0, time.FixedZone("UTC+7", 7*3600)),
	}
	if key := s.archiveKey(rec); !strings.Contains(key, "20260102T000000.000Z") {
		t.Errorf("key %q not rendered in UTC", key)
	}
}

func TestArchiveKeyShortRunID(t *testing.T) {
	s := &Store{}
	rec := &pipeline.StoredRecord{RunID: "ab", ProcessedAt: time.Unix(0, 0).UTC()}
	if key := s.archiveKey(rec); !strings.HasSuffix(key, "_ab.json") {
		t.Errorf("key = %q", key)
	}
}

func TestArchiveCandidatesFallBackToFullRunID(t *testing.T) {
	s := &Store{archivePrefix: "archive/"}
	rec := &pipeline.StoredRecord{
		RunID:       "0b9af335-7a88-4567-9d20-3a5c66d29eac",
		ProcessedAt: time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC),
	}
	keys := s.archiveCandidates(rec)
	if len(keys) != 2 {
		t.Fatalf("candidates = %v, want short and full form", keys)
	}
	if !strings.HasSuffix(keys[0], "_0b9af335.json") {
		t.Errorf("keys[0] = %q", keys[0])
	}
	if !strings.HasSuffix(keys[1], "_0b9af335-7a88-4567-9d20-3a5c66d29eac.json") {
		t.Errorf("keys[1] = %q", keys[1])
	}
}

func TestArchiveCandidatesShortRunIDHasNoFallback(t *testing.T) {
	s := &Store{}
	rec := &pipeline.StoredRecord{RunID: "ab", ProcessedAt: time.Unix(0, 0).UTC()}
	if keys := s.archiveCandidates(rec); len(keys) != 1 {
		t.Errorf("candidates = %v, want a single key", keys)
	}
}

func TestMapErrClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		want      error
		transient bool
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, pipeline.ErrNotFound, false},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}, pipeline.ErrNotFound, false},
		{"denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, pipeline.ErrStorageAccessDenied, false},
		{"slowdown", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, pipeline.ErrStorageUnavailable, true},
		{"transport", errors.New("dial tcp 10.0.0.9:9000: connect: connection refused"), pipeline.ErrStorageUnavailable, true},
	}
	for _, tc := range cases {
		got := mapErr("op", tc.err)
		if !errors.Is(got, tc.want) {
			t.Errorf("%s: %v does not wrap %v", tc.name, got, tc.want)
		}
		if pipeline.IsTransient(got) != tc.transient {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, pipeline.IsTransient(got), tc.transient)
		}
	}
}
