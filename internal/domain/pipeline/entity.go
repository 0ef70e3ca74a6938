package pipeline

import (
	"sort"
	"time"
)

// RunID identifies one pipeline run.
type RunID string

// Status enum for a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage enum, in pipeline order. A failed run keeps the stage it died in.
type Stage string

const (
	StageValidating  Stage = "validating"
	StageNormalizing Stage = "normalizing"
	StageAnalyzing   Stage = "analyzing"
	StageArchiving   Stage = "archiving"
	StageActivating  Stage = "activating"
	StageNotifying   Stage = "notifying"
	StageCompleted   Stage = "completed"
)

// ImageEvent describes one newly arrived source object. Built by the trigger
// side (listener or webhook) with the payload already resolved; read-only
// from the orchestrator's point of view.
type ImageEvent struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Payload     []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	DeliveryID  string `json:"delivery_id,omitempty"`
}

// Source returns the bucket/key identity used in records and logs.
func (e ImageEvent) Source() string {
	return e.Bucket + "/" + e.Key
}

// NormalizedImage is the canonical encoded form handed to the analysis
// service. Owned by the current run, never persisted.
type NormalizedImage struct {
	Bytes  []byte
	Format string
	Width  int
	Height int
}

// Bounds is an axis-aligned box in pixel coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TextFragment is one detected text region.
type TextFragment struct {
	Text   string  `json:"text"`
	Bounds *Bounds `json:"bounds,omitempty"`
}

// Label is one labeled-object detection with a confidence in [0,1].
type Label struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// MaxLabels caps label detections per result.
const MaxLabels = 50

// AnalysisResult is the structured output of one analysis call. Text keeps
// the order the service returned; labels are sorted by descending score.
type AnalysisResult struct {
	Text   []TextFragment `json:"text"`
	Labels []Label        `json:"labels"`
}

// Canonicalize sorts labels by descending score (stable, so service order
// breaks ties) and truncates at MaxLabels. Text order is left alone.
func (r *AnalysisResult) Canonicalize() {
	sort.SliceStable(r.Labels, func(i, j int) bool {
		return r.Labels[i].Score > r.Labels[j].Score
	})
	if len(r.Labels) > MaxLabels {
		r.Labels = r.Labels[:MaxLabels]
	}
}

// StoredRecord is the persisted form of a result. The same content is
// written twice: once under an archive key, once as the active record.
type StoredRecord struct {
	SourceImage string    `json:"source_image"`
	ProcessedAt time.Time `json:"processed_at"`
	RunID       string    `json:"run_id"`
	Text        []string  `json:"text"`
	Labels      []Label   `json:"labels"`
}

// NewStoredRecord flattens an analysis result into its persisted shape.
// Text and Labels are always non-nil so empty results serialize as [].
func NewStoredRecord(evt ImageEvent, id RunID, processedAt time.Time, res *AnalysisResult) *StoredRecord {
	text := make([]string, 0, len(res.Text))
	for _, f := range res.Text {
		text = append(text, f.Text)
	}
	labels := make([]Label, 0, len(res.Labels))
	labels = append(labels, res.Labels...)
	return &StoredRecord{
		SourceImage: evt.Source(),
		ProcessedAt: processedAt.UTC(),
		RunID:       string(id),
		Text:        text,
		Labels:      labels,
	}
}

// RecordRef points a downstream consumer at the two persisted copies.
type RecordRef struct {
	Bucket     string `json:"bucket"`
	ArchiveKey string `json:"archive_key"`
	LatestKey  string `json:"latest_key"`
}

// Run is the ledger row for one pipeline run.
type Run struct {
	ID           RunID     `json:"id"`
	SourceBucket string    `json:"source_bucket"`
	SourceKey    string    `json:"source_key"`
	Status       Status    `json:"status"`
	Stage        Stage     `json:"stage"`
	Attempts     int       `json:"attempts"`
	TextCount    int       `json:"text_count"`
	LabelCount   int       `json:"label_count"`
	ArchiveKey   string    `json:"archive_key,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
}

// Source returns the bucket/key identity of the processed object.
func (r *Run) Source() string {
	return r.SourceBucket + "/" + r.SourceKey
}
