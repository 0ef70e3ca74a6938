package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/middleware"
)

const userAgent = "automaton-vision/0.1"

// NewNotifier builds a webhook notifier when a URL is configured. With no
// URL the returned notifier does nothing, so callers never branch.
func NewNotifier(url string, timeout time.Duration) pipeline.Notifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return noop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhook{endpoint: url, client: &http.Client{Timeout: timeout}}
}

// webhook signals the next pipeline stage with a single POST. No retry:
// the notification sits outside the run's correctness contract.
type webhook struct {
	endpoint string
	client   *http.Client
}

// message is the wire shape the downstream stage receives.
type message struct {
	RunID       string    `json:"run_id"`
	SourceImage string    `json:"source_image"`
	ProcessedAt time.Time `json:"processed_at"`
	Bucket      string    `json:"bucket"`
	ArchiveKey  string    `json:"archive_key"`
	LatestKey   string    `json:"latest_key"`
	TextCount   int       `json:"text_count"`
	LabelCount  int       `json:"label_count"`
}

func (w *webhook) Notify(ctx context.Context, rec *pipeline.StoredRecord, ref pipeline.RecordRef) error {
	if err := w.send(ctx, rec, ref); err != nil {
		middleware.IncrementNotifyFailed()
		return err
	}
	middleware.IncrementNotifySent()
	return nil
}

func (w *webhook) send(ctx context.Context, rec *pipeline.StoredRecord, ref pipeline.RecordRef) error {
	body, err := json.Marshal(message{
		RunID:       rec.RunID,
		SourceImage: rec.SourceImage,
		ProcessedAt: rec.ProcessedAt,
		Bucket:      ref.Bucket,
		ArchiveKey:  ref.ArchiveKey,
		LatestKey:   ref.LatestKey,
		TextCount:   len(rec.Text),
		LabelCount:  len(rec.Labels),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", pipeline.ErrNotifyFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", pipeline.ErrNotifyFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrNotifyFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: endpoint returned %d: %s", pipeline.ErrNotifyFailed, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noop struct{}

func (noop) Notify(context.Context, *pipeline.StoredRecord, pipeline.RecordRef) error { return nil }
