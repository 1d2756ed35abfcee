package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mirulog/internal/config"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.png")
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nfake"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func geminiSuccessBody(text string) string {
	body := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
			},
		}},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestGeminiAnalyze(t *testing.T) {
	image := writeTestImage(t)
	var got geminiRequest
	var gotKey, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(geminiSuccessBody(`{"description": "coding"}`)))
	}))
	defer srv.Close()

	g := NewGemini(config.GeminiSettings{
		APIKey: "test-key", Model: "gemini-pro-vision", MaxTokens: 1024, Temperature: 0.4,
	}, WithGeminiEndpoint(srv.URL), WithGeminiHTTPClient(srv.Client()))

	res, err := g.Analyze(context.Background(), Request{
		CaptureID:   "c1",
		ImagePath:   image,
		CapturedAt:  time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		WindowTitle: "main.go - Editor",
		ProcessName: "editor.exe",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Text != `{"description": "coding"}` {
		t.Errorf("text = %q", res.Text)
	}
	if res.Backend != "gemini" {
		t.Errorf("backend = %q", res.Backend)
	}

	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotPath != "/models/gemini-pro-vision:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request shape: %+v", got)
	}
	inline := got.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" {
		t.Fatalf("missing inline image data")
	}
	if _, err := base64.StdEncoding.DecodeString(inline.Data); err != nil {
		t.Errorf("image data not base64: %v", err)
	}
	if got.GenerationConfig.MaxOutputTokens != 1024 {
		t.Errorf("maxOutputTokens = %d", got.GenerationConfig.MaxOutputTokens)
	}
}

func TestGeminiQuotaCarriesRetryHint(t *testing.T) {
	image := writeTestImage(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "status": "RESOURCE_EXHAUSTED",
			"message": "quota exceeded",
			"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "17s"}]}}`))
	}))
	defer srv.Close()

	g := NewGemini(config.GeminiSettings{APIKey: "k", Model: "m"},
		WithGeminiEndpoint(srv.URL), WithGeminiHTTPClient(srv.Client()))

	_, err := g.Analyze(context.Background(), Request{CaptureID: "c1", ImagePath: image})
	be, ok := AsError(err)
	if !ok {
		t.Fatalf("want backend error, got %v", err)
	}
	if be.Kind != KindQuota {
		t.Errorf("kind = %s, want quota", be.Kind)
	}
	if be.RetryAfter != 17*time.Second {
		t.Errorf("retry hint = %v, want 17s", be.RetryAfter)
	}
	if !be.Retryable() {
		t.Error("quota errors must be retryable")
	}
}

func TestGeminiErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   Kind
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth},
		{"forbidden", http.StatusForbidden, KindAuth},
		{"server error", http.StatusInternalServerError, KindUnavailable},
		{"bad request", http.StatusBadRequest, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := writeTestImage(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": {"message": "nope"}}`))
			}))
			defer srv.Close()

			g := NewGemini(config.GeminiSettings{APIKey: "k", Model: "m"},
				WithGeminiEndpoint(srv.URL), WithGeminiHTTPClient(srv.Client()))

			_, err := g.Analyze(context.Background(), Request{ImagePath: image})
			be, ok := AsError(err)
			if !ok {
				t.Fatalf("want backend error, got %v", err)
			}
			if be.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", be.Kind, tt.kind)
			}
		})
	}
}

func TestGeminiMissingImageIsFatal(t *testing.T) {
	g := NewGemini(config.GeminiSettings{APIKey: "k", Model: "m"})
	_, err := g.Analyze(context.Background(), Request{ImagePath: "/nonexistent/capture.png"})
	be, ok := AsError(err)
	if !ok || be.Kind != KindInvalid {
		t.Fatalf("want invalid backend error, got %v", err)
	}
	if be.Retryable() {
		t.Error("missing image must not be retryable")
	}
}

func TestGeminiEmptyCandidatesFallsBackToEmptyObject(t *testing.T) {
	image := writeTestImage(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	g := NewGemini(config.GeminiSettings{APIKey: "k", Model: "m"},
		WithGeminiEndpoint(srv.URL), WithGeminiHTTPClient(srv.Client()))

	res, err := g.Analyze(context.Background(), Request{ImagePath: image})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Text != "{}" {
		t.Errorf("text = %q, want empty object placeholder", res.Text)
	}
}
