package mcp

import "github.com/mark3labs/mcp-go/mcp"

var statusToolDef = mcp.NewTool("activity_status",
	mcp.WithDescription("Report how many capture records are pending, analyzing, analyzed, and failed in the local activity store."),
)

var recentToolDef = mcp.NewTool("activity_recent",
	mcp.WithDescription("Return the most recent capture records with their analysis results, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)."),
	),
)

var summaryToolDef = mcp.NewTool("activity_summary",
	mcp.WithDescription("Build the daily activity summary for one day: work segments, per-task time, blockers, and follow-ups."),
	mcp.WithString("date",
		mcp.Description("Day to summarize as YYYY-MM-DD. Defaults to today in the configured timezone."),
	),
)

var requeueToolDef = mcp.NewTool("activity_requeue",
	mcp.WithDescription("Return failed capture records to the pending queue so the next analysis batch retries them."),
	mcp.WithBoolean("stuck",
		mcp.Description("Also reset records stuck in the analyzing state from an interrupted run."),
	),
)
