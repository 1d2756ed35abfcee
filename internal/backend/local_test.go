package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mirulog/internal/config"
)

func chatSuccessBody(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(raw)
}

func TestLocalAnalyze(t *testing.T) {
	image := writeTestImage(t)
	var got chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(chatSuccessBody(`{"description": "reading docs"}`)))
	}))
	defer srv.Close()

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1", Model: "qwen2-vl"},
		WithLocalHTTPClient(srv.Client()))

	res, err := l.Analyze(context.Background(), Request{CaptureID: "c1", ImagePath: image})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Text != `{"description": "reading docs"}` {
		t.Errorf("text = %q", res.Text)
	}
	if res.Model != "qwen2-vl" {
		t.Errorf("model = %q", res.Model)
	}

	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Error("first attempt should request json_object response format")
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
}

func TestLocalResponseFormatFallback(t *testing.T) {
	image := writeTestImage(t)
	var calls int
	var sawFormat []bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		sawFormat = append(sawFormat, req.ResponseFormat != nil)
		if req.ResponseFormat != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "unknown field response_format"}`))
			return
		}
		w.Write([]byte(chatSuccessBody("{}")))
	}))
	defer srv.Close()

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1", Model: "m"},
		WithLocalHTTPClient(srv.Client()))

	if _, err := l.Analyze(context.Background(), Request{ImagePath: image}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want rejected first attempt plus bare retry", calls)
	}
	if !sawFormat[0] || sawFormat[1] {
		t.Errorf("format flags = %v, want [true false]", sawFormat)
	}
}

func TestLocalModelAutoResolve(t *testing.T) {
	image := writeTestImage(t)
	var chatModel string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			w.Write([]byte(`{"data": [{"id": "llava-v1.6"}, {"id": "other"}]}`))
		case "/v1/chat/completions":
			var req chatRequest
			json.NewDecoder(r.Body).Decode(&req)
			chatModel = req.Model
			w.Write([]byte(chatSuccessBody("{}")))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1", Model: "auto"},
		WithLocalHTTPClient(srv.Client()))

	res, err := l.Analyze(context.Background(), Request{ImagePath: image})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if chatModel != "llava-v1.6" {
		t.Errorf("chat used model %q, want first discovered entry", chatModel)
	}
	if res.Model != "llava-v1.6" {
		t.Errorf("result model = %q", res.Model)
	}

	// Resolution is cached; a second call must not hit /models again.
	if _, err := l.Analyze(context.Background(), Request{ImagePath: image}); err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
}

func TestLocalModelDiscoveryFailureFallsBack(t *testing.T) {
	image := writeTestImage(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "local-model" {
			t.Errorf("model = %q, want placeholder fallback", req.Model)
		}
		w.Write([]byte(chatSuccessBody("{}")))
	}))
	defer srv.Close()

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1"},
		WithLocalHTTPClient(srv.Client()))

	if _, err := l.Analyze(context.Background(), Request{ImagePath: image}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
}

func TestLocalUnsupportedImageIsFatal(t *testing.T) {
	image := writeTestImage(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "model does not support image input"}`))
	}))
	defer srv.Close()

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1", Model: "m"},
		WithLocalHTTPClient(srv.Client()))

	_, err := l.Analyze(context.Background(), Request{ImagePath: image})
	be, ok := AsError(err)
	if !ok {
		t.Fatalf("want backend error, got %v", err)
	}
	if be.Kind != KindUnsupported {
		t.Errorf("kind = %s, want unsupported", be.Kind)
	}
	if be.Retryable() {
		t.Error("unsupported model must not be retryable")
	}
}

func TestLocalConnectionRefusedIsDown(t *testing.T) {
	image := writeTestImage(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1", Model: "m"})

	_, err := l.Analyze(context.Background(), Request{ImagePath: image})
	be, ok := AsError(err)
	if !ok {
		t.Fatalf("want backend error, got %v", err)
	}
	if be.Kind != KindDown {
		t.Errorf("kind = %s, want down", be.Kind)
	}
	if !be.Retryable() {
		t.Error("connection failures should be retryable under the connect cap")
	}
}

func TestLocalContentParts(t *testing.T) {
	image := writeTestImage(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": [{"message": {"content":
			[{"type": "text", "text": "{\"description\":"}, {"type": "text", "text": " \"x\"}"}]}}]}`))
	}))
	defer srv.Close()

	l := NewLocal(config.LocalLLMSettings{BaseURL: srv.URL + "/v1", Model: "m"},
		WithLocalHTTPClient(srv.Client()))

	res, err := l.Analyze(context.Background(), Request{ImagePath: image})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.Contains(res.Text, `"description"`) {
		t.Errorf("text = %q, want joined content parts", res.Text)
	}
}
