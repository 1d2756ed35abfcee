package aggregate

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mirulog/internal/db"
	"mirulog/internal/record"
)

// seedShard creates a host shard under root with analyzed entries at the
// given capture times.
func seedShard(t *testing.T, root, host string, times []time.Time) {
	t.Helper()
	dir := filepath.Join(root, host)
	store, err := db.Init(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for _, at := range times {
		seedAnalyzed(t, store, at, host)
	}
}

func seedAnalyzed(t *testing.T, store *sql.DB, at time.Time, host string) {
	t.Helper()
	id, err := record.NewID()
	if err != nil {
		t.Fatal(err)
	}
	rec := &record.CaptureRecord{
		ID:         id,
		CapturedAt: at,
		ImagePath:  "/tmp/" + id + ".png",
		Status:     record.StatusPending,
	}
	if err := db.InsertCapture(store, rec); err != nil {
		t.Fatal(err)
	}
	claimed, err := db.ClaimPending(store, id)
	if err != nil || !claimed {
		t.Fatalf("claim %s: %v", id, err)
	}
	res := &record.AnalysisResult{
		CaptureID:   id,
		Backend:     "fake",
		Summary:     "working on " + host,
		PrimaryTask: "Coding",
		Confidence:  0.9,
	}
	if err := db.SaveResult(store, res); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverSources(t *testing.T) {
	root := t.TempDir()
	seedShard(t, root, "laptop", nil)
	seedShard(t, root, "desktop", nil)
	if err := os.MkdirAll(filepath.Join(root, "no-store-here"), 0o700); err != nil {
		t.Fatal(err)
	}

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatalf("DiscoverSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
	if sources[0].Host != "desktop" || sources[1].Host != "laptop" {
		t.Errorf("hosts = %s, %s, want sorted desktop, laptop", sources[0].Host, sources[1].Host)
	}
}

func TestDiscoverSourcesIncludesRootStore(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "workpc")
	store, err := db.Init(root)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatalf("DiscoverSources: %v", err)
	}
	if len(sources) != 1 || sources[0].Host != "workpc" {
		t.Fatalf("sources = %+v, want the root store as host workpc", sources)
	}
}

func TestTimelineMergesAcrossHosts(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	// Interleaved capture times across two hosts, seeded out of order.
	seedShard(t, root, "laptop", []time.Time{
		base.Add(10 * time.Minute), base, base.Add(40 * time.Minute),
	})
	seedShard(t, root, "desktop", []time.Time{
		base.Add(5 * time.Minute), base.Add(20 * time.Minute),
	})

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := Timeline(sources, "", nil)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1].Capture, entries[i].Capture
		if cur.CapturedAt.Before(prev.CapturedAt) {
			t.Fatalf("entry %d out of order: %v before %v", i, cur.CapturedAt, prev.CapturedAt)
		}
	}
	hosts := map[string]bool{}
	for _, e := range entries {
		hosts[e.Host] = true
	}
	if !hosts["laptop"] || !hosts["desktop"] {
		t.Errorf("hosts in timeline = %v, want both", hosts)
	}
}

func TestTimelineDateFilter(t *testing.T) {
	root := t.TempDir()
	seedShard(t, root, "laptop", []time.Time{
		time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
	})

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := Timeline(sources, "2026-02-01", nil)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only the filtered day", len(entries))
	}
	if got := entries[0].Capture.CapturedAt.Format("2006-01-02"); got != "2026-02-01" {
		t.Errorf("entry date = %s", got)
	}
}

func TestTimelineSkipsUnreadableSource(t *testing.T) {
	root := t.TempDir()
	seedShard(t, root, "laptop", []time.Time{time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)})

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatal(err)
	}
	sources = append(sources, Source{Host: "ghost", Path: filepath.Join(root, "ghost", "missing.db")})

	entries, err := Timeline(sources, "", nil)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, unreadable source must not hide the rest", len(entries))
	}
}

func TestTimelineSameTimestampOrdersByID(t *testing.T) {
	root := t.TempDir()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	seedShard(t, root, "laptop", []time.Time{at})
	seedShard(t, root, "desktop", []time.Time{at})

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := Timeline(sources, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Capture.ID > entries[1].Capture.ID {
		t.Error("equal timestamps must fall back to ID order")
	}
}
