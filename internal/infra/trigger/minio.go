package trigger

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/middleware"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

var createdEvents = []string{"s3:ObjectCreated:*"}

// Processor runs one pipeline pass per arrived image.
type Processor interface {
	Process(ctx context.Context, evt domain.ImageEvent) (*domain.Run, error)
}

// BucketWatcher is the slice of *minio.Client the listener consumes.
type BucketWatcher interface {
	ListenBucketNotification(ctx context.Context, bucket, prefix, suffix string, events []string) <-chan notification.Info
}

// Listener subscribes to object-created notifications on the source bucket
// and feeds each new image through the pipeline. It reconnects with backoff
// when the notification stream drops.
type Listener struct {
	watcher BucketWatcher
	source  domain.SourceStore
	proc    Processor
	bucket  string
	prefix  string
	logger  *zap.Logger
}

func NewListener(watcher BucketWatcher, source domain.SourceStore, proc Processor, bucket, prefix string, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		watcher: watcher,
		source:  source,
		proc:    proc,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger,
	}
}

// Run blocks until ctx is done, reconnecting the notification stream as
// needed. The backoff resets whenever a session delivered events.
func (l *Listener) Run(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		handled, err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.logger.Warn("bucket notification stream dropped", zap.Error(err))
		}
		if handled > 0 {
			delay = minReconnectDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < maxReconnectDelay {
			delay *= 2
		}
	}
}

func (l *Listener) listen(ctx context.Context) (int, error) {
	l.logger.Info("listening for bucket notifications",
		zap.String("bucket", l.bucket),
		zap.String("prefix", l.prefix))

	handled := 0
	ch := l.watcher.ListenBucketNotification(ctx, l.bucket, l.prefix, "", createdEvents)
	for info := range ch {
		if info.Err != nil {
			return handled, info.Err
		}
		for _, evt := range info.Records {
			l.handle(ctx, evt)
			handled++
		}
	}
	return handled, nil
}

func (l *Listener) handle(ctx context.Context, evt notification.Event) {
	if !strings.HasPrefix(evt.EventName, "s3:ObjectCreated") {
		return
	}

	// Notification payloads carry URL-encoded object keys.
	key, err := url.QueryUnescape(evt.S3.Object.Key)
	if err != nil {
		l.logger.Warn("undecodable object key in notification",
			zap.String("raw_key", evt.S3.Object.Key),
			zap.Error(err))
		return
	}
	bucket := evt.S3.Bucket.Name
	if bucket == "" {
		bucket = l.bucket
	}
	log := l.logger.With(zap.String("source", bucket+"/"+key))

	payload, contentType, err := l.source.Fetch(ctx, bucket, key)
	if err != nil {
		log.Error("source object fetch failed", zap.Error(err))
		return
	}

	event := domain.ImageEvent{
		Bucket:      bucket,
		Key:         key,
		Payload:     payload,
		ContentType: contentType,
		DeliveryID:  deliveryID(evt, key),
	}

	middleware.IncrementRuns()
	_, err = l.proc.Process(ctx, event)
	switch {
	case errors.Is(err, domain.ErrDuplicateDelivery):
		middleware.IncrementRunsDuplicate()
	case err != nil:
		// Process already logged the failure with stage detail.
		middleware.IncrementRunsFailed()
	default:
		middleware.IncrementRunsCompleted()
	}
}

// deliveryID derives a stable dedup key from the notification, so a
// redelivered event maps to the same claim. Sequencer is unique per object
// write; ETag is the fallback for brokers that omit it.
func deliveryID(evt notification.Event, key string) string {
	if seq := evt.S3.Object.Sequencer; seq != "" {
		return key + ":" + seq
	}
	if etag := evt.S3.Object.ETag; etag != "" {
		return key + ":" + etag
	}
	return ""
}
