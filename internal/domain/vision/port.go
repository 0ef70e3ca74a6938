package vision

import (
	"context"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

// Client is the vision-analysis service port. One call covers both text
// detection and label detection; implementations must not issue extra
// requests beyond what the caller's retry policy dictates.
type Client interface {
	Annotate(ctx context.Context, img *pipeline.NormalizedImage) (*pipeline.AnalysisResult, error)
}
