package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mirulog/internal/config"
	"mirulog/internal/db"
	"mirulog/internal/errors"
	"mirulog/internal/report"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	store *sql.DB
	cfg   *config.Settings
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store *sql.DB, cfg *config.Settings) *Handlers {
	return &Handlers{store: store, cfg: cfg}
}

// Request types for each tool

// RecentRequest represents the arguments for activity_recent.
type RecentRequest struct {
	Limit int `json:"limit,omitempty"`
}

// SummaryRequest represents the arguments for activity_summary.
type SummaryRequest struct {
	Date string `json:"date,omitempty"`
}

// RequeueRequest represents the arguments for activity_requeue.
type RequeueRequest struct {
	Stuck bool `json:"stuck,omitempty"`
}

// HandleStatus handles the activity_status tool call.
func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts, err := db.StatusCounts(h.store)
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return successResult(map[string]any{
		"counts": counts,
		"total":  total,
	})
}

// HandleRecent handles the activity_recent tool call.
func (h *Handlers) HandleRecent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RecentRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	entries, err := db.RecentEntries(h.store, input.Limit)
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	return successResult(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleSummary handles the activity_summary tool call.
func (h *Handlers) HandleSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SummaryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	date := input.Date
	if date == "" {
		date = time.Now().In(h.cfg.Timezone).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return errorResult(errors.NewInvalidRequest("date must be YYYY-MM-DD")), nil
	}

	entries, err := db.AnalyzedEntries(h.store, date)
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	daily := report.BuildDaily(date, entries, h.cfg.Capture.Interval, time.Now())
	return successResult(daily)
}

// HandleRequeue handles the activity_requeue tool call.
func (h *Handlers) HandleRequeue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RequeueRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	requeued, err := db.ResetFailed(h.store)
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	var stuck int64
	if input.Stuck {
		stuck, err = db.ResetStuckAnalyzing(h.store)
		if err != nil {
			return errorResult(errors.NewInternal(err)), nil
		}
	}
	return successResult(map[string]any{
		"requeued":    requeued,
		"reset_stuck": stuck,
	})
}

// errorResult converts an error into an MCP error payload. Internal errors
// are reported without detail so file paths and SQL text stay out of tool
// output.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if appErr, ok := err.(*errors.Error); ok && appErr.Code != errors.ErrInternal {
		errorObj := map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
			"status":  appErr.Status,
		}
		if appErr.Details != nil {
			errorObj["details"] = appErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult wraps data as a JSON tool result.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
