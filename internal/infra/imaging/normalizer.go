package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	// Decoders for the payload formats the pipeline accepts.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

// CanonicalFormat is the encoding handed to the vision service.
const CanonicalFormat = "jpeg"

// jpegQuality for payloads that need re-encoding.
const jpegQuality = 85

// Normalizer converts arbitrary raster payloads into canonical JPEG.
// Payloads already in JPEG pass through byte for byte.
type Normalizer struct {
	logger *zap.Logger
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

func (n *Normalizer) Normalize(raw []byte, contentType string) (*pipeline.NormalizedImage, error) {
	if len(raw) == 0 {
		return nil, pipeline.ErrEmptyPayload
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrUnsupportedFormat, err)
	}
	if hint := formatFromContentType(contentType); hint != "" && hint != format {
		n.logger.Debug("content-type hint disagrees with decoded format",
			zap.String("hint", hint),
			zap.String("decoded", format))
	}

	if format == CanonicalFormat {
		return &pipeline.NormalizedImage{
			Bytes:  raw,
			Format: CanonicalFormat,
			Width:  cfg.Width,
			Height: cfg.Height,
		}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrUnsupportedFormat, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode %s as jpeg: %w", format, err)
	}
	bounds := img.Bounds()
	return &pipeline.NormalizedImage{
		Bytes:  buf.Bytes(),
		Format: CanonicalFormat,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// formatFromContentType maps a MIME hint onto the decoder's format name.
// Empty when the hint is absent or not an image type.
func formatFromContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	sub, ok := strings.CutPrefix(ct, "image/")
	if !ok {
		return ""
	}
	if sub == "jpg" {
		return "jpeg"
	}
	return sub
}
