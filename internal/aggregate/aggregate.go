// Package aggregate reads analysis timelines across machines. Each host
// syncs its archive directory (metadata store plus per-day images) to a
// shared root; the aggregator opens every store read-only and merges the
// entries into one time-ordered view. It never writes: capture and
// analysis stay owned by the machine that produced them.
package aggregate

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"mirulog/internal/db"
	"mirulog/internal/record"
)

// Source is one host's synced metadata store.
type Source struct {
	Host string `json:"host"`
	Path string `json:"path"` // path to the store file
}

// DiscoverSources scans root for metadata stores: one per immediate
// subdirectory (the subdirectory name is the host), plus root itself for
// the single-machine layout. Order is deterministic (sorted by host).
func DiscoverSources(root string) ([]Source, error) {
	var sources []Source

	if own := filepath.Join(root, db.FileName); fileExists(own) {
		host := filepath.Base(root)
		sources = append(sources, Source{Host: host, Path: own})
	}

	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("aggregate: read root: %w", err)
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		candidate := filepath.Join(root, de.Name(), db.FileName)
		if fileExists(candidate) {
			sources = append(sources, Source{Host: de.Name(), Path: candidate})
		}
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Host < sources[j].Host })
	return sources, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Timeline merges analyzed entries from every source into one slice ordered
// by capture time, record ID as the tie-break. datePrefix filters to one
// day (YYYY-MM-DD); empty means everything. A source that cannot be opened
// is logged and skipped, so one host's corrupt sync does not hide the rest.
func Timeline(sources []Source, datePrefix string, logger *slog.Logger) ([]record.Entry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	shards := make([][]record.Entry, 0, len(sources))
	for _, src := range sources {
		entries, err := readSource(src, datePrefix)
		if err != nil {
			logger.Warn("skipping source", "host", src.Host, "error", err)
			continue
		}
		shards = append(shards, entries)
	}
	return merge(shards), nil
}

func readSource(src Source, datePrefix string) ([]record.Entry, error) {
	store, err := db.OpenReadOnly(src.Path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	entries, err := db.AnalyzedEntries(store, datePrefix)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Host = src.Host
	}
	return entries, nil
}

// merge is a k-way merge over per-shard slices that are already ordered by
// (captured_at, id).
func merge(shards [][]record.Entry) []record.Entry {
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	out := make([]record.Entry, 0, total)
	heads := make([]int, len(shards))

	for len(out) < total {
		best := -1
		for i, s := range shards {
			if heads[i] >= len(s) {
				continue
			}
			if best < 0 || entryLess(&s[heads[i]], &shards[best][heads[best]]) {
				best = i
			}
		}
		out = append(out, shards[best][heads[best]])
		heads[best]++
	}
	return out
}

func entryLess(a, b *record.Entry) bool {
	if !a.Capture.CapturedAt.Equal(b.Capture.CapturedAt) {
		return a.Capture.CapturedAt.Before(b.Capture.CapturedAt)
	}
	return a.Capture.ID < b.Capture.ID
}
