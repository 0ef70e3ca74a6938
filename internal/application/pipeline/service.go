package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/domain/vision"
	"github.com/bryanwahyu/automaton-vision/internal/retry"
)

// Clock abstraction so run timing is testable.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Service runs one pipeline pass per arrived image: validate, normalize,
// analyze, dual-write, notify. Safe for concurrent use; ports are injected
// once and never mutated.
type Service struct {
	Normalizer domain.Normalizer
	Vision     vision.Client
	Results    domain.ResultStore
	Repo       domain.Repository
	Notifier   domain.Notifier
	Guard      domain.Guard
	Retrier    retry.Retrier
	Clock      Clock
	Logger     *zap.Logger
}

// Process handles one event end to end and returns the finished run row.
// The error is nil exactly when the run completed; ErrDuplicateDelivery
// means no run was started at all.
func (s *Service) Process(ctx context.Context, evt domain.ImageEvent) (*domain.Run, error) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("source", evt.Source()))

	guarded := evt.DeliveryID != ""
	if guarded {
		ok, err := s.Guard.Reserve(ctx, evt.DeliveryID)
		switch {
		case err != nil:
			// The guard is an optimization; losing it must not stop runs.
			log.Warn("delivery guard unavailable, proceeding", zap.Error(err))
			guarded = false
		case !ok:
			log.Info("duplicate delivery ignored", zap.String("delivery_id", evt.DeliveryID))
			return nil, domain.ErrDuplicateDelivery
		}
	}

	run := &domain.Run{
		ID:           domain.RunID(uuid.New().String()),
		SourceBucket: evt.Bucket,
		SourceKey:    evt.Key,
		Status:       domain.StatusRunning,
		Stage:        domain.StageValidating,
		StartedAt:    s.Clock.Now(),
	}
	log = log.With(zap.String("run_id", string(run.ID)))
	s.saveLedger(ctx, run, log)

	err := s.execute(ctx, evt, run, log)

	ended := s.Clock.Now()
	run.EndedAt = ended
	run.DurationMS = ended.Sub(run.StartedAt).Milliseconds()

	if err != nil {
		run.Status = domain.StatusFailed
		run.Error = err.Error()
		s.finishLedger(run, log)
		if guarded {
			// A transient-exhausted run may succeed on redelivery; a
			// permanent one never will, so keep it blocked.
			if domain.IsTransient(err) {
				s.releaseGuard(evt.DeliveryID, log)
			} else {
				s.confirmGuard(evt.DeliveryID, log)
			}
		}
		log.Error("pipeline run failed",
			zap.String("stage", string(run.Stage)),
			zap.Int("attempts", run.Attempts),
			zap.Error(err))
		return run, err
	}

	run.Status = domain.StatusCompleted
	run.Stage = domain.StageCompleted
	s.finishLedger(run, log)
	if guarded {
		s.confirmGuard(evt.DeliveryID, log)
	}
	log.Info("pipeline run completed",
		zap.Int("attempts", run.Attempts),
		zap.Int("text", run.TextCount),
		zap.Int("labels", run.LabelCount),
		zap.String("archive_key", run.ArchiveKey),
		zap.Int64("duration_ms", run.DurationMS))
	return run, nil
}

// execute advances run.Stage as it goes, so a failure leaves the stage it
// died in on the row.
func (s *Service) execute(ctx context.Context, evt domain.ImageEvent, run *domain.Run, log *zap.Logger) error {
	run.Stage = domain.StageValidating
	if evt.Key == "" {
		return domain.ErrValidation
	}
	if len(evt.Payload) == 0 {
		return domain.ErrEmptyPayload
	}

	run.Stage = domain.StageNormalizing
	img, err := s.Normalizer.Normalize(evt.Payload, evt.ContentType)
	if err != nil {
		return err
	}
	log.Debug("image normalized",
		zap.String("format", img.Format),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("bytes", len(img.Bytes)))

	run.Stage = domain.StageAnalyzing
	var res *domain.AnalysisResult
	attempts, err := s.Retrier.DoCount(ctx, "vision analysis", func(ctx context.Context) error {
		var aerr error
		res, aerr = s.Vision.Annotate(ctx, img)
		return aerr
	})
	run.Attempts = attempts
	if err != nil {
		return err
	}
	run.TextCount = len(res.Text)
	run.LabelCount = len(res.Labels)

	// One record, two writes: both copies carry identical content.
	rec := domain.NewStoredRecord(evt, run.ID, s.Clock.Now(), res)

	run.Stage = domain.StageArchiving
	var archiveKey string
	err = s.Retrier.Do(ctx, "archive write", func(ctx context.Context) error {
		var werr error
		archiveKey, werr = s.Results.Archive(ctx, rec)
		return werr
	})
	if err != nil {
		return err
	}
	run.ArchiveKey = archiveKey

	// A failure past this point leaves the archive record in place; the
	// active record keeps its pre-run value.
	run.Stage = domain.StageActivating
	err = s.Retrier.Do(ctx, "active write", func(ctx context.Context) error {
		return s.Results.Activate(ctx, rec)
	})
	if err != nil {
		return err
	}

	run.Stage = domain.StageNotifying
	ref := domain.RecordRef{
		Bucket:     s.Results.Bucket(),
		ArchiveKey: archiveKey,
		LatestKey:  s.Results.LatestKey(),
	}
	if err := s.Notifier.Notify(ctx, rec, ref); err != nil {
		// Best effort: the run still completes, but the miss must be
		// distinguishable from pipeline failures.
		log.Warn("next-stage notification failed", zap.Error(err))
	}
	return nil
}

// Run reads one ledger row.
func (s *Service) Run(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	return s.Repo.Get(ctx, id)
}

// Latest lists the most recent runs.
func (s *Service) Latest(ctx context.Context, limit int) ([]*domain.Run, error) {
	return s.Repo.Latest(ctx, limit)
}

// Summary aggregates runs from the last N days.
func (s *Service) Summary(ctx context.Context, sinceDays int) (domain.Summary, error) {
	return s.Repo.Summary(ctx, sinceDays)
}

// Ledger writes are observability, not correctness: they warn, never fail
// the run. The dual write in storage is the durable contract.
func (s *Service) saveLedger(ctx context.Context, run *domain.Run, log *zap.Logger) {
	if err := s.Repo.Save(ctx, run); err != nil {
		log.Warn("run ledger save failed", zap.Error(err))
	}
}

func (s *Service) finishLedger(run *domain.Run, log *zap.Logger) {
	// Background: the row must land even when the event context is gone.
	if err := s.Repo.Finish(context.Background(), run); err != nil {
		log.Warn("run ledger finish failed", zap.Error(err))
	}
}

func (s *Service) confirmGuard(deliveryID string, log *zap.Logger) {
	if err := s.Guard.Confirm(context.Background(), deliveryID); err != nil {
		log.Warn("delivery guard confirm failed", zap.Error(err))
	}
}

func (s *Service) releaseGuard(deliveryID string, log *zap.Logger) {
	if err := s.Guard.Release(context.Background(), deliveryID); err != nil {
		log.Warn("delivery guard release failed", zap.Error(err))
	}
}
