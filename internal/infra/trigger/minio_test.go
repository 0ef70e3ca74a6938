package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

type fakeWatcher struct {
	ch chan notification.Info
}

func (w *fakeWatcher) ListenBucketNotification(ctx context.Context, bucket, prefix, suffix string, events []string) <-chan notification.Info {
	return w.ch
}

type fakeSource struct {
	err error
}

func (s *fakeSource) Fetch(ctx context.Context, bucket, key string) ([]byte, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return []byte("stored-jpeg"), "image/jpeg", nil
}

type fakeProc struct {
	events []domain.ImageEvent
	err    error
}

func (p *fakeProc) Process(ctx context.Context, evt domain.ImageEvent) (*domain.Run, error) {
	p.events = append(p.events, evt)
	if p.err != nil {
		return nil, p.err
	}
	return &domain.Run{Status: domain.StatusCompleted}, nil
}

func createdEvent(rawKey, sequencer, etag string) notification.Event {
	var evt notification.Event
	evt.EventName = "s3:ObjectCreated:Put"
	evt.S3.Bucket.Name = "incoming"
	evt.S3.Object.Key = rawKey
	evt.S3.Object.Sequencer = sequencer
	evt.S3.Object.ETag = etag
	return evt
}

func infoWith(events ...notification.Event) notification.Info {
	var info notification.Info
	info.Records = events
	return info
}

func newTestListener(source *fakeSource, proc *fakeProc) (*Listener, *fakeWatcher) {
	w := &fakeWatcher{ch: make(chan notification.Info, 4)}
	l := NewListener(w, source, proc, "incoming", "image/", zap.NewNop())
	return l, w
}

func TestListenerProcessesCreatedObject(t *testing.T) {
	proc := &fakeProc{}
	l, w := newTestListener(&fakeSource{}, proc)

	w.ch <- infoWith(createdEvent("image/caf%C3%A9.jpg", "17A0", "etag-1"))
	close(w.ch)

	handled, err := l.listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if handled != 1 {
		t.Errorf("handled = %d", handled)
	}
	if len(proc.events) != 1 {
		t.Fatalf("processed events = %d", len(proc.events))
	}
	evt := proc.events[0]
	if evt.Key != "image/café.jpg" {
		t.Errorf("key = %q, want url-decoded", evt.Key)
	}
	if evt.Bucket != "incoming" {
		t.Errorf("bucket = %q", evt.Bucket)
	}
	if string(evt.Payload) != "stored-jpeg" || evt.ContentType != "image/jpeg" {
		t.Errorf("payload = %q, content type = %q", evt.Payload, evt.ContentType)
	}
	if evt.DeliveryID != "image/café.jpg:17A0" {
		t.Errorf("delivery id = %q", evt.DeliveryID)
	}
}

func TestListenerIgnoresNonCreatedEvents(t *testing.T) {
	proc := &fakeProc{}
	l, w := newTestListener(&fakeSource{}, proc)

	evt := createdEvent("image/photo.jpg", "17A0", "")
	evt.EventName = "s3:ObjectRemoved:Delete"
	w.ch <- infoWith(evt)
	close(w.ch)

	if _, err := l.listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if len(proc.events) != 0 {
		t.Errorf("removal event reached the pipeline: %v", proc.events)
	}
}

func TestListenerSkipsUnfetchableObject(t *testing.T) {
	proc := &fakeProc{}
	l, w := newTestListener(&fakeSource{err: domain.ErrStorageUnavailable}, proc)

	w.ch <- infoWith(createdEvent("image/photo.jpg", "17A0", ""))
	close(w.ch)

	if _, err := l.listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if len(proc.events) != 0 {
		t.Error("unfetchable object must not reach the pipeline")
	}
}

func TestListenerSurfacesStreamError(t *testing.T) {
	proc := &fakeProc{}
	l, w := newTestListener(&fakeSource{}, proc)

	streamErr := errors.New("connection reset")
	var info notification.Info
	info.Err = streamErr
	w.ch <- info

	_, err := l.listen(context.Background())
	if !errors.Is(err, streamErr) {
		t.Errorf("err = %v, want stream error", err)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	proc := &fakeProc{}
	l, w := newTestListener(&fakeSource{}, proc)
	close(w.ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancelled context")
	}
}

func TestDeliveryIDDerivation(t *testing.T) {
	if got := deliveryID(createdEvent("k", "SEQ", "ETAG"), "k"); got != "k:SEQ" {
		t.Errorf("with sequencer: %q", got)
	}
	if got := deliveryID(createdEvent("k", "", "ETAG"), "k"); got != "k:ETAG" {
		t.Errorf("etag fallback: %q", got)
	}
	if got := deliveryID(createdEvent("k", "", ""), "k"); got != "" {
		t.Errorf("no identifiers: %q", got)
	}
}
