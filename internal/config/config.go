package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Backend identifies the configured analysis backend.
type Backend string

const (
	BackendGemini Backend = "gemini"
	BackendLocal  Backend = "local"
)

// CaptureSettings controls the capture scheduler and shard layout.
type CaptureSettings struct {
	Interval            time.Duration
	IdleThreshold       time.Duration
	CaptureRoot         string
	ArchiveRoot         string
	DeleteAfterAnalysis bool
	DisableLockCheck    bool
}

// GeminiSettings configures the remote (hosted) vision backend.
type GeminiSettings struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// LocalLLMSettings configures the local OpenAI-compatible backend.
type LocalLLMSettings struct {
	BaseURL string
	Model   string // "" or "auto" resolves via the endpoint's model list
	APIKey  string
	Timeout time.Duration
}

// RetrySettings holds the rate/retry controller tunables.
type RetrySettings struct {
	MaxRetries        int
	MaxConnectRetries int
	RetryBuffer       time.Duration
	RequestSpacing    time.Duration
}

// LoggingSettings configures slog output.
type LoggingSettings struct {
	Level  string // debug|info|warn|error
	Format string // text|json
}

// OutputSettings holds the report directories.
type OutputSettings struct {
	SummaryDir string
	ExportDir  string
}

// Settings is the immutable process configuration, built once by FromEnv
// and passed by reference into every component.
type Settings struct {
	Backend          Backend
	Capture          CaptureSettings
	Gemini           GeminiSettings
	LocalLLM         LocalLLMSettings
	Retry            RetrySettings
	Logging          LoggingSettings
	Output           OutputSettings
	Timezone         *time.Location
	PipelineSchedule string // optional 5-field cron expression
}

// ShardDir returns the directory holding this host's mirulog.db.
func (s *Settings) ShardDir() string {
	return s.Capture.ArchiveRoot
}

// FromEnv builds Settings from the process environment.
// The backend credential is validated lazily by the component that needs it,
// so capture-only invocations run without an API key.
func FromEnv() (*Settings, error) {
	tzName := getenv("TIMEZONE", "Asia/Tokyo")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("config: invalid TIMEZONE %q: %w", tzName, err)
	}

	backend := Backend(strings.ToLower(getenv("ANALYZER_BACKEND", string(BackendGemini))))
	if backend != BackendGemini && backend != BackendLocal {
		return nil, fmt.Errorf("config: ANALYZER_BACKEND must be %q or %q, got %q",
			BackendGemini, BackendLocal, backend)
	}

	intervalSec, err := envInt("CAPTURE_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	idleMin, err := envInt("IDLE_THRESHOLD_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	maxTokens, err := envInt("GEMINI_MAX_TOKENS", 1024)
	if err != nil {
		return nil, err
	}
	temperature, err := envFloat("GEMINI_TEMPERATURE", 0.4)
	if err != nil {
		return nil, err
	}
	maxRetries, err := envInt("GEMINI_MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	maxConnect, err := envInt("LOCAL_LLM_MAX_CONNECT_RETRIES", 2)
	if err != nil {
		return nil, err
	}
	retryBuffer, err := envSeconds("GEMINI_RETRY_BUFFER_SECONDS", 0.5)
	if err != nil {
		return nil, err
	}
	spacing, err := envSeconds("GEMINI_REQUEST_SPACING_SECONDS", 0)
	if err != nil {
		return nil, err
	}
	localTimeout, err := envSeconds("LOCAL_LLM_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}

	captureRoot, err := expandRoot(getenv("CAPTURE_ROOT", filepath.Join("data", "captures")))
	if err != nil {
		return nil, err
	}
	archiveRoot, err := expandRoot(getenv("ARCHIVE_ROOT", filepath.Join("data", "archive")))
	if err != nil {
		return nil, err
	}
	summaryDir, err := expandRoot(getenv("SUMMARY_OUTPUT_DIR", "output"))
	if err != nil {
		return nil, err
	}
	exportDir, err := expandRoot(getenv("REPORT_EXPORT_DIR", "reports"))
	if err != nil {
		return nil, err
	}

	return &Settings{
		Backend: backend,
		Capture: CaptureSettings{
			Interval:            time.Duration(intervalSec) * time.Second,
			IdleThreshold:       time.Duration(idleMin) * time.Minute,
			CaptureRoot:         captureRoot,
			ArchiveRoot:         archiveRoot,
			DeleteAfterAnalysis: envBool("DELETE_CAPTURE_AFTER_ANALYSIS", true),
			DisableLockCheck:    envBool("MIRULOG_DISABLE_LOCK_CHECK", false),
		},
		Gemini: GeminiSettings{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       getenv("GEMINI_MODEL", "gemini-pro-vision"),
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		LocalLLM: LocalLLMSettings{
			BaseURL: strings.TrimSuffix(getenv("LOCAL_LLM_BASE_URL", "http://localhost:1234/v1"), "/"),
			Model:   os.Getenv("LOCAL_LLM_MODEL"),
			APIKey:  os.Getenv("LOCAL_LLM_API_KEY"),
			Timeout: localTimeout,
		},
		Retry: RetrySettings{
			MaxRetries:        maxRetries,
			MaxConnectRetries: maxConnect,
			RetryBuffer:       retryBuffer,
			RequestSpacing:    spacing,
		},
		Logging: LoggingSettings{
			Level:  strings.ToLower(getenv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getenv("LOG_FORMAT", "text")),
		},
		Output: OutputSettings{
			SummaryDir: summaryDir,
			ExportDir:  exportDir,
		},
		Timezone:         tz,
		PipelineSchedule: os.Getenv("PIPELINE_SCHEDULE"),
	}, nil
}

// expandRoot resolves a root path template to an absolute path, substituting
// a {host} placeholder with the machine hostname so per-host shards stay
// disjoint under a shared parent.
func expandRoot(raw string) (string, error) {
	if strings.Contains(raw, "{host}") {
		host, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("config: resolve {host} in %q: %w", raw, err)
		}
		raw = strings.ReplaceAll(raw, "{host}", host)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", raw, err)
	}
	return abs, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q", key, raw)
	}
	return f, nil
}

// envSeconds reads a float number of seconds into a Duration.
func envSeconds(key string, fallback float64) (time.Duration, error) {
	f, err := envFloat(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

func envBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
