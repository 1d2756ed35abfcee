// Package backend defines the vision-analysis capability interface and its
// two implementations: the hosted Gemini API and a local OpenAI-compatible
// server. The batch engine depends only on the Analyzer interface; variant
// selection happens once, at configuration time.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mirulog/internal/config"
)

// Request carries one capture image plus its window context to a backend.
type Request struct {
	CaptureID   string
	ImagePath   string
	CapturedAt  time.Time
	WindowTitle string
	ProcessName string
	Extra       string // optional free-text context
}

// RawResult is the opaque backend response for one capture.
type RawResult struct {
	Backend string
	Model   string
	Text    string
}

// Analyzer is the capability interface implemented by every backend variant.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*RawResult, error)
}

// New selects the configured backend variant. Credential and endpoint
// validation happens here so the engine never branches on backend kind.
func New(cfg *config.Settings, logger *slog.Logger) (Analyzer, error) {
	switch cfg.Backend {
	case config.BackendGemini:
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("backend: GEMINI_API_KEY is required for the gemini backend")
		}
		return NewGemini(cfg.Gemini, WithGeminiLogger(logger)), nil
	case config.BackendLocal:
		return NewLocal(cfg.LocalLLM, WithLocalLogger(logger)), nil
	default:
		return nil, fmt.Errorf("backend: unknown backend %q", cfg.Backend)
	}
}

// DefaultBatchLimit returns the bounded-mode default batch size for a
// backend. Remote quotas are strict, so the hosted variant stays
// conservative; a local server is effectively unbounded.
func DefaultBatchLimit(b config.Backend) int {
	if b == config.BackendLocal {
		return 0 // no limit
	}
	return 20
}

// systemPrompt is the analysis contract shared by both variants. Backends
// must answer with compact JSON using these exact keys; record.ParsePayload
// tolerates the ways models bend that rule.
const systemPrompt = `You are Miru-Log, a meticulous self-tracking assistant. You receive desktop screenshots and contextual metadata.
Analyze what the user was doing. Respond strictly as compact JSON with keys:
  - description: 1 sentence summary of the activity.
  - primary_task: concise task label (<=6 words).
  - tags: array of activity tags/keywords.
  - confidence: float between 0 and 1 reflecting your certainty.
  - observed_files: array of file paths/names you can read from the screenshot (if any).
  - observed_repositories: array of repository/workspace names you can read from the screenshot (if any).
  - observed_urls: array of http(s) URLs you can read from the screenshot (if any).
Focus on observable actions only.
If you cannot confidently read items, return empty arrays for those keys.`

// rdpHint nudges the model to describe work inside a remote session instead
// of answering "using remote desktop" for RDP captures.
func rdpHint(windowTitle, processName string) string {
	title := strings.ToLower(windowTitle)
	proc := strings.ToLower(processName)

	isRDP := false
	for _, k := range []string{"リモート デスクトップ", "remote desktop", "rdp", "mstsc", "msrdc"} {
		if strings.Contains(title, k) {
			isRDP = true
			break
		}
	}
	switch proc {
	case "mstsc.exe", "msrdc.exe", "remotedesktop.exe":
		isRDP = true
	}
	if !isRDP {
		return ""
	}
	return "\nIMPORTANT (RDP): If this screenshot is from Remote Desktop, do NOT summarize as just 'using remote desktop'. " +
		"Describe what is happening inside the remote session (apps, code, browser, docs, errors) based on what you see. " +
		"Only mention RDP as a note if you cannot infer the actual work.\n"
}

// buildPrompt assembles the system prompt plus capture context for a request.
func buildPrompt(req Request) (system, user string) {
	system = systemPrompt + rdpHint(req.WindowTitle, req.ProcessName)
	user = fmt.Sprintf("Timestamp: %s\nWindow: %s\nApplication: %s\n",
		req.CapturedAt.Format(time.RFC3339), req.WindowTitle, req.ProcessName)
	if req.Extra != "" {
		user += "Context: " + req.Extra + "\n"
	}
	return system, user
}
