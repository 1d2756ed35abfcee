// Package report turns an analyzed timeline into daily summaries: a
// segment-by-segment account of the day, per-task totals, and anything
// that looked like a blocker or a follow-up.
package report

import (
	"sort"
	"strings"
	"time"

	"mirulog/internal/record"
)

// maxHighlights caps the blocker and follow-up lists so a noisy day stays
// readable.
const maxHighlights = 5

// segmentGap is the largest silence between two captures that still counts
// as the same work segment.
const segmentGap = 10 * time.Minute

// Daily is one day's activity summary.
type Daily struct {
	Date          string      `json:"date"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Hosts         []string    `json:"hosts,omitempty"`
	EntryCount    int         `json:"entry_count"`
	ActiveMinutes int         `json:"active_minutes"`
	Segments      []Segment   `json:"segments"`
	Tasks         []TaskTotal `json:"tasks"`
	Blockers      []string    `json:"blockers,omitempty"`
	FollowUps     []string    `json:"follow_ups,omitempty"`
}

// Segment is a run of consecutive captures on the same task.
type Segment struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Task    string    `json:"task"`
	Host    string    `json:"host,omitempty"`
	Samples int       `json:"samples"`
}

// TaskTotal aggregates minutes per task label across the day.
type TaskTotal struct {
	Task    string  `json:"task"`
	Minutes int     `json:"minutes"`
	Share   float64 `json:"share"`
}

var blockerKeywords = []string{"error", "fail", "exception", "blocked", "crash", "stuck"}

var followUpTags = []string{"todo", "follow-up", "followup"}

// BuildDaily summarizes entries (already time-ordered, one day) into a
// Daily. interval is the capture cadence; each entry accounts for one
// interval of active time.
func BuildDaily(date string, entries []record.Entry, interval time.Duration, now time.Time) *Daily {
	d := &Daily{
		Date:        date,
		GeneratedAt: now.UTC(),
		EntryCount:  len(entries),
	}
	if len(entries) == 0 {
		return d
	}

	perSample := int(interval.Minutes())
	if perSample < 1 {
		perSample = 1
	}
	d.ActiveMinutes = len(entries) * perSample

	d.Hosts = hostList(entries)
	d.Segments = buildSegments(entries)
	d.Tasks = taskTotals(entries, perSample)
	d.Blockers = collectBlockers(entries)
	d.FollowUps = collectFollowUps(entries)
	return d
}

func hostList(entries []record.Entry) []string {
	seen := map[string]bool{}
	var hosts []string
	for _, e := range entries {
		if e.Host == "" || seen[e.Host] {
			continue
		}
		seen[e.Host] = true
		hosts = append(hosts, e.Host)
	}
	sort.Strings(hosts)
	return hosts
}

// buildSegments folds consecutive same-task captures into segments. A task
// change or a gap beyond segmentGap starts a new one.
func buildSegments(entries []record.Entry) []Segment {
	var segs []Segment
	for _, e := range entries {
		task := e.Result.PrimaryTask
		if task == "" {
			task = "Unclassified"
		}
		at := e.Capture.CapturedAt

		if n := len(segs); n > 0 {
			last := &segs[n-1]
			if last.Task == task && last.Host == e.Host && at.Sub(last.End) <= segmentGap {
				last.End = at
				last.Samples++
				continue
			}
		}
		segs = append(segs, Segment{Start: at, End: at, Task: task, Host: e.Host, Samples: 1})
	}
	return segs
}

func taskTotals(entries []record.Entry, perSample int) []TaskTotal {
	minutes := map[string]int{}
	for _, e := range entries {
		task := e.Result.PrimaryTask
		if task == "" {
			task = "Unclassified"
		}
		minutes[task] += perSample
	}

	total := len(entries) * perSample
	totals := make([]TaskTotal, 0, len(minutes))
	for task, m := range minutes {
		totals = append(totals, TaskTotal{
			Task:    task,
			Minutes: m,
			Share:   float64(m) / float64(total),
		})
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Minutes != totals[j].Minutes {
			return totals[i].Minutes > totals[j].Minutes
		}
		return totals[i].Task < totals[j].Task
	})
	return totals
}

func collectBlockers(entries []record.Entry) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range entries {
		summary := e.Result.Summary
		lower := strings.ToLower(summary)
		for _, kw := range blockerKeywords {
			if strings.Contains(lower, kw) {
				if !seen[summary] {
					seen[summary] = true
					out = append(out, summary)
				}
				break
			}
		}
		if len(out) >= maxHighlights {
			break
		}
	}
	return out
}

func collectFollowUps(entries []record.Entry) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range entries {
		if !hasFollowUpTag(e.Result.Tags) {
			continue
		}
		summary := e.Result.Summary
		if seen[summary] {
			continue
		}
		seen[summary] = true
		out = append(out, summary)
		if len(out) >= maxHighlights {
			break
		}
	}
	return out
}

func hasFollowUpTag(tags []string) bool {
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, want := range followUpTags {
			if lower == want {
				return true
			}
		}
	}
	return false
}
