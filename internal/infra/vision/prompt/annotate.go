package prompt

import (
	"fmt"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return fmt.Sprintf(`You are an image analysis service. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- "text" lists every legible text fragment in natural reading order. Use an empty array when the image contains no text. "bounds" gives pixel coordinates of the fragment and may be omitted when unknown.
- "labels" lists the objects and concepts visible in the image, at most %d entries, sorted by descending score. "score" is a confidence in [0,1].
- Both arrays must always be present, never null.

Schema (example with empty values):
{
  "text": [
    {"text": "<string>", "bounds": {"x": 0, "y": 0, "width": 0, "height": 0}}
  ],
  "labels": [
    {"name": "<string>", "score": 0.0}
  ]
}`, pipeline.MaxLabels)
}

// GetUserPrompt builds the compact instruction sent alongside the image part.
func GetUserPrompt() string {
	return "Read all visible text and identify the objects in the attached image. Respond with the JSON per schema."
}
