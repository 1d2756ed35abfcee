package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Markdown renders a Daily as the report document.
func Markdown(d *Daily) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Daily Activity Report: %s\n\n", d.Date)
	fmt.Fprintf(&b, "Generated %s\n\n", d.GeneratedAt.Format("2006-01-02 15:04 MST"))

	if d.EntryCount == 0 {
		b.WriteString("No analyzed activity for this day.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "- Active time: %s\n", formatMinutes(d.ActiveMinutes))
	fmt.Fprintf(&b, "- Captures analyzed: %d\n", d.EntryCount)
	if len(d.Hosts) > 0 {
		fmt.Fprintf(&b, "- Hosts: %s\n", strings.Join(d.Hosts, ", "))
	}
	b.WriteString("\n## Tasks\n\n")
	b.WriteString("| Task | Time | Share |\n|---|---|---|\n")
	for _, t := range d.Tasks {
		fmt.Fprintf(&b, "| %s | %s | %.0f%% |\n", t.Task, formatMinutes(t.Minutes), t.Share*100)
	}

	b.WriteString("\n## Timeline\n\n")
	for _, s := range d.Segments {
		host := ""
		if s.Host != "" {
			host = " [" + s.Host + "]"
		}
		fmt.Fprintf(&b, "- %s to %s: %s%s (%d captures)\n",
			s.Start.Format("15:04"), s.End.Format("15:04"), s.Task, host, s.Samples)
	}

	if len(d.Blockers) > 0 {
		b.WriteString("\n## Possible blockers\n\n")
		for _, item := range d.Blockers {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(d.FollowUps) > 0 {
		b.WriteString("\n## Follow-ups\n\n")
		for _, item := range d.FollowUps {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return b.String()
}

// WriteSummary writes the markdown and JSON renditions of a Daily into dir,
// returning both paths.
func WriteSummary(d *Daily, dir string) (mdPath, jsonPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("report: create output dir: %w", err)
	}

	mdPath = filepath.Join(dir, "daily-report-"+d.Date+".md")
	if err := os.WriteFile(mdPath, []byte(Markdown(d)), 0o600); err != nil {
		return "", "", fmt.Errorf("report: write markdown: %w", err)
	}

	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("report: encode json: %w", err)
	}
	jsonPath = filepath.Join(dir, "daily-report-"+d.Date+".json")
	if err := os.WriteFile(jsonPath, append(raw, '\n'), 0o600); err != nil {
		return "", "", fmt.Errorf("report: write json: %w", err)
	}
	return mdPath, jsonPath, nil
}

func formatMinutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}
