// Package record defines the capture and analysis domain types shared by the
// scheduler, the batch engine, and the reporting surfaces.
package record

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a capture record. Transitions move
// strictly forward (pending → analyzing → analyzed/failed); the only
// backward edge is the explicit failed → pending requeue.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusAnalyzed, StatusFailed:
		return true
	}
	return false
}

// CaptureRecord is a single screenshot event with session metadata.
// Created only by the capture scheduler; mutated only by the batch engine.
type CaptureRecord struct {
	ID          string    `json:"id"`
	CapturedAt  time.Time `json:"captured_at"` // UTC
	ImagePath   string    `json:"image_path"`
	WindowTitle string    `json:"window_title"`
	ProcessName string    `json:"process_name"`
	HashDigest  string    `json:"hash_digest"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnalysisResult holds the backend output for exactly one capture record.
type AnalysisResult struct {
	CaptureID     string    `json:"capture_id"`
	Backend       string    `json:"backend"`
	Summary       string    `json:"summary"`
	PrimaryTask   string    `json:"primary_task"`
	Confidence    float64   `json:"confidence"`
	Tags          []string  `json:"tags,omitempty"`
	Files         []string  `json:"observed_files,omitempty"`
	Repositories  []string  `json:"observed_repositories,omitempty"`
	URLs          []string  `json:"observed_urls,omitempty"`
	RawResponse   string    `json:"raw_response,omitempty"`
	ErrorDetail   string    `json:"error,omitempty"` // set only when the record is failed
	RetryCount    int       `json:"retry_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Entry pairs a capture with its analysis, as produced by the aggregator
// and the daily report queries.
type Entry struct {
	Host    string         `json:"host,omitempty"`
	Capture CaptureRecord  `json:"capture"`
	Result  AnalysisResult `json:"result"`
}

// NewID generates a ULID for a new capture record. ULIDs sort by creation
// time, which the aggregator relies on for stable timestamp tie-breaks.
func NewID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
