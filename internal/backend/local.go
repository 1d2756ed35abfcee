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
	"sync"
	"time"

	"mirulog/internal/config"
)

// Local is the OpenAI-compatible variant of the Analyzer (e.g. LM Studio).
//
// Expected base URL: http://localhost:1234/v1
// Endpoint used:     POST {base_url}/chat/completions
type Local struct {
	settings   config.LocalLLMSettings
	httpClient *http.Client
	logger     *slog.Logger

	resolveOnce sync.Once
	model       string
}

// LocalOption configures the Local client during construction.
type LocalOption func(*Local)

// WithLocalHTTPClient overrides the default HTTP client.
func WithLocalHTTPClient(c *http.Client) LocalOption {
	return func(l *Local) { l.httpClient = c }
}

// WithLocalLogger configures structured logging.
func WithLocalLogger(lg *slog.Logger) LocalOption {
	return func(l *Local) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLocal creates the local backend client.
func NewLocal(settings config.LocalLLMSettings, opts ...LocalOption) *Local {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	l := &Local{
		settings:   settings,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Name() string { return "local" }

type chatRequest struct {
	Model          string        `json:"model"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	Stream         bool          `json:"stream"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Analyze sends the capture to the chat/completions endpoint. A first
// attempt asks for strict JSON via response_format; servers that reject
// unknown fields get one fallback attempt without it.
func (l *Local) Analyze(ctx context.Context, req Request) (*RawResult, error) {
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, &Error{Backend: l.Name(), Kind: KindInvalid,
			Message: "read capture image", Err: err}
	}

	model := l.resolveModel(ctx)
	system, user := buildPrompt(req)
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)

	body := chatRequest{
		Model:       model,
		Temperature: 0.4,
		MaxTokens:   1024,
		Stream:      false,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: user},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
	}

	withFormat := body
	withFormat.ResponseFormat = &respFormat{Type: "json_object"}

	status, raw, err := l.post(ctx, withFormat)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		// Likely an unsupported field (response_format); retry once bare.
		l.logger.DebugContext(ctx, "retrying without response_format",
			"backend", l.Name(), "status", status)
		status, raw, err = l.post(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	if status >= 400 {
		return nil, l.classifyError(status, raw)
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &Error{Backend: l.Name(), Kind: KindUnavailable,
			Message: "decode response", Err: err}
	}

	text := extractContent(decoded)
	if text == "" {
		text = "{}"
	}

	return &RawResult{Backend: l.Name(), Model: model, Text: text}, nil
}

func (l *Local) post(ctx context.Context, body chatRequest) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, &Error{Backend: l.Name(), Kind: KindInvalid,
			Message: "encode request", Err: err}
	}

	url := l.settings.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &Error{Backend: l.Name(), Kind: KindInvalid,
			Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if l.settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.settings.APIKey)
	}

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		// A transport error against a local endpoint almost always means the
		// service is not running; retry under the smaller connect cap.
		return 0, nil, &Error{Backend: l.Name(), Kind: KindDown,
			Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &Error{Backend: l.Name(), Kind: KindUnavailable,
			Message: "read response", Err: err}
	}
	return resp.StatusCode, raw, nil
}

func (l *Local) classifyError(status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))
	lower := strings.ToLower(message)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Backend: l.Name(), Kind: KindAuth, Message: message}
	case status == http.StatusTooManyRequests:
		return &Error{Backend: l.Name(), Kind: KindQuota, Message: message}
	case strings.Contains(lower, "image") || strings.Contains(lower, "vision") ||
		strings.Contains(lower, "multimodal"):
		// The loaded model lacks image support; retrying the same capture
		// cannot succeed.
		return &Error{Backend: l.Name(), Kind: KindUnsupported, Message: message}
	case status >= 500:
		return &Error{Backend: l.Name(), Kind: KindUnavailable, Message: message}
	default:
		return &Error{Backend: l.Name(), Kind: KindInvalid,
			Message: fmt.Sprintf("HTTP %d: %s", status, message)}
	}
}

// resolveModel returns the model to use, querying the endpoint's model list
// once per run when the configured value is empty, "auto", or the LM Studio
// placeholder. Discovery failure falls back to a generic name; the chat call
// will surface the real error.
func (l *Local) resolveModel(ctx context.Context) string {
	l.resolveOnce.Do(func() {
		configured := strings.TrimSpace(l.settings.Model)
		lowered := strings.ToLower(configured)
		if configured != "" && lowered != "auto" && lowered != "local-model" {
			l.model = configured
			return
		}

		l.model = "local-model"
		if configured != "" {
			l.model = configured
		}

		url := l.settings.BaseURL + "/models"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := l.httpClient.Do(httpReq)
		if err != nil {
			l.logger.WarnContext(ctx, "model discovery failed",
				"backend", l.Name(), "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			l.logger.WarnContext(ctx, "model discovery failed",
				"backend", l.Name(), "status", resp.StatusCode)
			return
		}

		var decoded modelsResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return
		}
		if len(decoded.Data) > 0 && decoded.Data[0].ID != "" {
			l.model = decoded.Data[0].ID
			l.logger.InfoContext(ctx, "auto-selected model",
				"backend", l.Name(), "model", l.model)
		}
	})
	return l.model
}

// extractContent joins the message content, which some servers return as a
// plain string and others as structured text chunks.
func extractContent(resp chatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	raw := resp.Choices[0].Message.Content

	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}

	var parts []contentPart
	if json.Unmarshal(raw, &parts) == nil {
		var chunks []string
		for _, p := range parts {
			if p.Type == "text" && p.Text != "" {
				chunks = append(chunks, p.Text)
			}
		}
		return strings.Join(chunks, "\n")
	}
	return ""
}
