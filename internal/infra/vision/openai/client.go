package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/infra/vision/prompt"
)

const maxTokens = 2048

type Client struct {
	*openai.Client
	Model string
}

// Options tunes the client beyond the API key: a non-OpenAI BaseURL for
// compatible gateways, and an optional tenant scope stamped on every request.
type Options struct {
	BaseURL string
	Scope   string
}

func NewClient(apiKey, model string, opts Options) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Scope != "" {
		cfg.HTTPClient = &http.Client{
			Transport: scopeTransport{scope: opts.Scope, next: http.DefaultTransport},
		}
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: model}
}

// scopeTransport sets the scope header on every outgoing request.
type scopeTransport struct {
	scope string
	next  http.RoundTripper
}

func (t scopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("X-Analysis-Scope", t.scope)
	return t.next.RoundTrip(clone)
}

// Annotate sends the normalized image as a data URL and asks for text and
// label detections in one combined multimodal request.
func (c *Client) Annotate(ctx context.Context, img *pipeline.NormalizedImage) (*pipeline.AnalysisResult, error) {
	model := c.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.GetSystemPrompt()},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt.GetUserPrompt()},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:image/%s;base64,%s",
								img.Format, base64.StdEncoding.EncodeToString(img.Bytes)),
						},
					},
				},
			},
		},
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}

	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion has no choices", pipeline.ErrInvalidResponse)
	}
	return parseResult(resp.Choices[0].Message.Content)
}

// mapErr sorts API failures into the pipeline taxonomy: credential
// rejections are fatal, rate limits and 5xx and transport faults are
// transient, anything else rejected by the service is permanent for the run.
func mapErr(err error) error {
	status := statusOf(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", pipeline.ErrAuthentication, err)
	case status == 0 || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %v", pipeline.ErrServiceUnavailable, err)
	default:
		return fmt.Errorf("vision request rejected: %w", err)
	}
}

// statusOf digs the HTTP status out of either go-openai error type.
// Zero means the request never got an HTTP response.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

type wireBounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type wireResult struct {
	Text []struct {
		Text   string      `json:"text"`
		Bounds *wireBounds `json:"bounds"`
	} `json:"text"`
	Labels []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"labels"`
}

func parseResult(content string) (*pipeline.AnalysisResult, error) {
	// Gateways occasionally fence the JSON despite the response_format hint.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSpace(strings.TrimSuffix(content, "```"))

	var wire wireResult
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidResponse, err)
	}

	res := &pipeline.AnalysisResult{
		Text:   make([]pipeline.TextFragment, 0, len(wire.Text)),
		Labels: make([]pipeline.Label, 0, len(wire.Labels)),
	}
	for _, t := range wire.Text {
		if t.Text == "" {
			continue
		}
		frag := pipeline.TextFragment{Text: t.Text}
		if t.Bounds != nil {
			frag.Bounds = &pipeline.Bounds{X: t.Bounds.X, Y: t.Bounds.Y, Width: t.Bounds.Width, Height: t.Bounds.Height}
		}
		res.Text = append(res.Text, frag)
	}
	for _, l := range wire.Labels {
		if l.Name == "" {
			continue
		}
		if l.Score < 0 || l.Score > 1 {
			return nil, fmt.Errorf("%w: label %q score %v outside [0,1]", pipeline.ErrInvalidResponse, l.Name, l.Score)
		}
		res.Labels = append(res.Labels, pipeline.Label{Name: l.Name, Score: l.Score})
	}
	res.Canonicalize()
	return res, nil
}
