package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

func testImage() *pipeline.NormalizedImage {
	return &pipeline.NormalizedImage{Bytes: []byte("fake-jpeg-bytes"), Format: "jpeg", Width: 4, Height: 4}
}

func completionWith(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return body
}

func newTestClient(srv *httptest.Server, scope string) *Client {
	return NewClient("test-key", "gpt-4o-mini", Options{BaseURL: srv.URL + "/v1", Scope: scope})
}

func TestAnnotateParsesAndCanonicalizesResult(t *testing.T) {
	content := `{
		"text": [{"text": "STOP", "bounds": {"x": 10, "y": 20, "width": 30, "height": 40}}, {"text": "AHEAD"}],
		"labels": [{"name": "road", "score": 0.41}, {"name": "sign", "score": 0.97}]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionWith(t, content))
	}))
	defer srv.Close()

	res, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(res.Text) != 2 || res.Text[0].Text != "STOP" || res.Text[1].Text != "AHEAD" {
		t.Errorf("text = %+v", res.Text)
	}
	if res.Text[0].Bounds == nil || res.Text[0].Bounds.Width != 30 {
		t.Errorf("bounds = %+v", res.Text[0].Bounds)
	}
	if res.Text[1].Bounds != nil {
		t.Error("second fragment should have no bounds")
	}
	if len(res.Labels) != 2 || res.Labels[0].Name != "sign" || res.Labels[1].Name != "road" {
		t.Errorf("labels not sorted by descending score: %+v", res.Labels)
	}
}

func TestAnnotateSendsImageAsDataURL(t *testing.T) {
	var captured map[string]any
	var scope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope = r.Header.Get("X-Analysis-Scope")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &captured); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionWith(t, `{"text": [], "labels": []}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv, "tenant-a").Annotate(context.Background(), testImage()); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if scope != "tenant-a" {
		t.Errorf("scope header = %q", scope)
	}
	if captured["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", captured["model"])
	}
	if rf, ok := captured["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v", captured["response_format"])
	}
	raw, _ := json.Marshal(captured["messages"])
	if !strings.Contains(string(raw), "data:image/jpeg;base64,") {
		t.Error("request carries no data URL image part")
	}
}

func TestAnnotateEmptyArraysStayEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionWith(t, `{"text": [], "labels": []}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if res.Text == nil || len(res.Text) != 0 {
		t.Errorf("text = %#v, want empty non-nil slice", res.Text)
	}
	if res.Labels == nil || len(res.Labels) != 0 {
		t.Errorf("labels = %#v, want empty non-nil slice", res.Labels)
	}
}

func TestAnnotateAuthenticationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if !errors.Is(err, pipeline.ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if pipeline.IsTransient(err) {
		t.Error("credential rejection must not be retryable")
	}
}

func TestAnnotateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if !errors.Is(err, pipeline.ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
	if !pipeline.IsTransient(err) {
		t.Error("5xx must classify as transient")
	}
}

func TestAnnotateConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if !errors.Is(err, pipeline.ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
}

func TestAnnotateUnparseableContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionWith(t, "I looked at the image and saw a stop sign."))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if !errors.Is(err, pipeline.ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
	if pipeline.IsTransient(err) {
		t.Error("a malformed response must not be retried")
	}
}

func TestAnnotateScoreOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionWith(t, `{"text": [], "labels": [{"name": "sign", "score": 1.7}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "").Annotate(context.Background(), testImage())
	if !errors.Is(err, pipeline.ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestParseResultStripsCodeFence(t *testing.T) {
	res, err := parseResult("```json\n{\"text\": [{\"text\": \"EXIT\"}], \"labels\": []}\n```")
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if len(res.Text) != 1 || res.Text[0].Text != "EXIT" {
		t.Errorf("text = %+v", res.Text)
	}
}

func TestParseResultCapsLabels(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"text": [], "labels": [`)
	for i := 0; i < 60; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"name": "thing", "score": 0.5}`)
	}
	sb.WriteString(`]}`)

	res, err := parseResult(sb.String())
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if len(res.Labels) != pipeline.MaxLabels {
		t.Errorf("labels = %d, want cap at %d", len(res.Labels), pipeline.MaxLabels)
	}
}
