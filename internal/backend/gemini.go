package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"mirulog/internal/config"
)

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Gemini is the remote hosted-vision variant of the Analyzer.
type Gemini struct {
	settings   config.GeminiSettings
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// GeminiOption configures the Gemini client during construction.
type GeminiOption func(*Gemini)

// WithGeminiHTTPClient overrides the default HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) { g.httpClient = c }
}

// WithGeminiEndpoint overrides the API base URL. Tests point this at a
// local httptest server.
func WithGeminiEndpoint(url string) GeminiOption {
	return func(g *Gemini) { g.endpoint = strings.TrimSuffix(url, "/") }
}

// WithGeminiLogger configures structured logging.
func WithGeminiLogger(l *slog.Logger) GeminiOption {
	return func(g *Gemini) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGemini creates the remote backend client.
func NewGemini(settings config.GeminiSettings, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		settings:   settings,
		endpoint:   defaultGeminiEndpoint,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gemini) Name() string { return "gemini" }

// generateContent request/response shapes, reduced to the fields used.
type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// Analyze sends the capture image plus context to the generateContent
// endpoint and returns the raw model text.
func (g *Gemini) Analyze(ctx context.Context, req Request) (*RawResult, error) {
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: KindInvalid,
			Message: "read capture image", Err: err}
	}

	system, user := buildPrompt(req)
	body := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: system + "\n" + user},
				{InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: geminiGenConfig{
			MaxOutputTokens: g.settings.MaxTokens,
			Temperature:     g.settings.Temperature,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: KindInvalid,
			Message: "encode request", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, g.settings.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: KindInvalid,
			Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.settings.APIKey)

	g.logger.DebugContext(ctx, "backend request",
		"backend", g.Name(), "model", g.settings.Model, "capture", req.CaptureID)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: KindUnavailable,
			Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: KindUnavailable,
			Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, g.classifyError(resp.StatusCode, raw)
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &Error{Backend: g.Name(), Kind: KindUnavailable,
			Message: "decode response", Err: err}
	}

	var parts []string
	for _, cand := range decoded.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		break // only the first candidate is used
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "{}"
	}

	return &RawResult{Backend: g.Name(), Model: g.settings.Model, Text: text}, nil
}

// classifyError maps an HTTP failure onto the backend error taxonomy.
// Quota errors carry the server's RetryInfo delay when present.
func (g *Gemini) classifyError(status int, body []byte) *Error {
	var decoded geminiErrorBody
	_ = json.Unmarshal(body, &decoded)

	message := decoded.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Backend: g.Name(), Kind: KindAuth, Message: message}
	case status == http.StatusTooManyRequests:
		e := &Error{Backend: g.Name(), Kind: KindQuota, Message: message}
		for _, d := range decoded.Error.Details {
			if strings.HasSuffix(d.Type, "RetryInfo") && d.RetryDelay != "" {
				if wait, err := time.ParseDuration(d.RetryDelay); err == nil {
					e.RetryAfter = wait
				}
			}
		}
		return e
	case status >= 500:
		return &Error{Backend: g.Name(), Kind: KindUnavailable, Message: message}
	default:
		return &Error{Backend: g.Name(), Kind: KindInvalid,
			Message: fmt.Sprintf("HTTP %d: %s", status, message)}
	}
}
