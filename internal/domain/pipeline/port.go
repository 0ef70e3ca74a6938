package pipeline

import "context"

// Normalizer port: decode anything, hand back the canonical form.
type Normalizer interface {
	Normalize(raw []byte, contentType string) (*NormalizedImage, error)
}

// SourceStore port: fetch raw object bytes for trigger events delivered
// without an inline payload. Returns bytes and the stored content type.
type SourceStore interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, string, error)
}

// ResultStore port for the dual write. Archive must be called and confirmed
// before Activate; the orchestrator owns that ordering.
type ResultStore interface {
	// Archive writes the record under a fresh timestamp-derived key and
	// returns it. Never overwrites an existing key.
	Archive(ctx context.Context, rec *StoredRecord) (string, error)
	// Activate overwrites the latest-result object with the same content.
	Activate(ctx context.Context, rec *StoredRecord) error
	// LatestKey reports the active record's object key.
	LatestKey() string
	// Bucket reports where result records land, for downstream references.
	Bucket() string
}

// Repository port for the run ledger.
type Repository interface {
	Save(ctx context.Context, r *Run) error
	Finish(ctx context.Context, r *Run) error
	Get(ctx context.Context, id RunID) (*Run, error)
	Latest(ctx context.Context, limit int) ([]*Run, error)
	Summary(ctx context.Context, sinceDays int) (Summary, error)
}

// Summary aggregates ledger rows for the read API.
type Summary struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Notifier port: single-attempt downstream signal, best effort.
type Notifier interface {
	Notify(ctx context.Context, rec *StoredRecord, ref RecordRef) error
}

// Guard dedups at-least-once deliveries so a redelivered event does not
// buy a second billable analysis. Reserve wins exactly once per identity;
// Confirm keeps the claim after success, Release drops it after failure so
// the host's redelivery can try again.
type Guard interface {
	Reserve(ctx context.Context, deliveryID string) (bool, error)
	Confirm(ctx context.Context, deliveryID string) error
	Release(ctx context.Context, deliveryID string) error
}
