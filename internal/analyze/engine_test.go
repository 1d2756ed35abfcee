package analyze

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mirulog/internal/backend"
	"mirulog/internal/db"
	"mirulog/internal/record"
)

type scriptedAnalyzer struct {
	name     string
	fail     map[string]error // capture ID -> error
	text     string
	attempts int
	calls    []string
	onCall   func() // runs before each reply, for mid-batch interference
}

func (s *scriptedAnalyzer) Name() string {
	if s.name == "" {
		return "fake"
	}
	return s.name
}

func (s *scriptedAnalyzer) Analyze(ctx context.Context, req backend.Request) (*backend.RawResult, error) {
	s.calls = append(s.calls, req.CaptureID)
	if s.onCall != nil {
		s.onCall()
	}
	if err, ok := s.fail[req.CaptureID]; ok {
		return nil, err
	}
	text := s.text
	if text == "" {
		text = `{"description": "working", "primary_task": "Coding", "confidence": 0.9}`
	}
	return &backend.RawResult{Backend: s.Name(), Text: text}, nil
}

func (s *scriptedAnalyzer) Attempts() int { return s.attempts }

func newTestStore(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Init(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func insertPending(t *testing.T, store *sql.DB, dir string, n int) []record.CaptureRecord {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	recs := make([]record.CaptureRecord, 0, n)
	for i := 0; i < n; i++ {
		id, err := record.NewID()
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, fmt.Sprintf("capture-%d.png", i))
		if err := os.WriteFile(path, []byte("png"), 0o600); err != nil {
			t.Fatal(err)
		}
		rec := record.CaptureRecord{
			ID:         id,
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
			ImagePath:  path,
			Status:     record.StatusPending,
		}
		if err := db.InsertCapture(store, &rec); err != nil {
			t.Fatal(err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestRunBatchAnalyzesPending(t *testing.T) {
	store, dir := newTestStore(t)
	recs := insertPending(t, store, dir, 3)

	engine := NewEngine(store, &scriptedAnalyzer{}, DeleteImages{}, nil)
	stats, err := engine.RunBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.Analyzed != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 3 analyzed", stats)
	}

	for _, rec := range recs {
		stored, err := db.GetCapture(store, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != record.StatusAnalyzed {
			t.Errorf("record %s status = %s", rec.ID, stored.Status)
		}
		if _, err := os.Stat(rec.ImagePath); !os.IsNotExist(err) {
			t.Errorf("image %s should be deleted after commit", rec.ImagePath)
		}
	}

	entries, err := db.AnalyzedEntries(store, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Result.PrimaryTask != "Coding" {
		t.Errorf("primary task = %q", entries[0].Result.PrimaryTask)
	}
}

func TestRunBatchHonorsLimitInCaptureOrder(t *testing.T) {
	store, dir := newTestStore(t)
	recs := insertPending(t, store, dir, 5)

	analyzer := &scriptedAnalyzer{}
	engine := NewEngine(store, analyzer, KeepImages{}, nil)
	stats, err := engine.RunBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.Analyzed != 2 {
		t.Fatalf("stats = %+v, want 2 analyzed", stats)
	}
	if len(analyzer.calls) != 2 || analyzer.calls[0] != recs[0].ID || analyzer.calls[1] != recs[1].ID {
		t.Errorf("calls = %v, want the two oldest captures", analyzer.calls)
	}
	count, err := db.PendingCount(store)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("pending = %d, want 3 untouched", count)
	}
}

func TestRunBatchFailureIsIsolated(t *testing.T) {
	store, dir := newTestStore(t)
	recs := insertPending(t, store, dir, 3)

	analyzer := &scriptedAnalyzer{
		fail:     map[string]error{recs[1].ID: &backend.Error{Backend: "fake", Kind: backend.KindInvalid, Message: "bad image"}},
		attempts: 1,
	}
	engine := NewEngine(store, analyzer, DeleteImages{}, nil)
	stats, err := engine.RunBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.Analyzed != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 2 analyzed 1 failed", stats)
	}

	failed, err := db.GetCapture(store, recs[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != record.StatusFailed {
		t.Errorf("failed record status = %s", failed.Status)
	}
	// A failed record keeps its image for the retry after requeue.
	if _, err := os.Stat(recs[1].ImagePath); err != nil {
		t.Errorf("failed record's image must survive: %v", err)
	}
}

func TestFailedRecordKeepsErrorDetail(t *testing.T) {
	store, dir := newTestStore(t)
	recs := insertPending(t, store, dir, 1)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	analyzer := &scriptedAnalyzer{
		fail:     map[string]error{recs[0].ID: &backend.Error{Backend: "gemini", Kind: backend.KindQuota, Message: "quota exceeded"}},
		attempts: 6, // throttle exhausted: 1 attempt + 5 retries
	}
	engine := NewEngine(store, analyzer, KeepImages{}, nil,
		WithEngineClock(func() time.Time { return now }))

	if _, err := engine.RunBatch(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	entries, err := db.RecentEntries(store, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	res := entries[0].Result
	if res.ErrorDetail == "" {
		t.Error("missing error detail")
	}
	if res.RetryCount != 5 {
		t.Errorf("retry count = %d, want attempts-1", res.RetryCount)
	}
	if !res.LastAttemptAt.Equal(now) {
		t.Errorf("last attempt = %v, want %v", res.LastAttemptAt, now)
	}
}

func TestRunBatchStoreErrorAbortsBatch(t *testing.T) {
	store, dir := newTestStore(t)
	insertPending(t, store, dir, 3)

	analyzer := &scriptedAnalyzer{onCall: func() { store.Close() }}
	engine := NewEngine(store, analyzer, KeepImages{}, nil)

	stats, err := engine.RunBatch(context.Background(), 0)
	if err == nil {
		t.Fatal("want error when the store rejects the commit")
	}
	if len(analyzer.calls) != 1 {
		t.Errorf("backend calls = %d, want 1 before the abort", len(analyzer.calls))
	}
	if stats.Analyzed != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want nothing analyzed or failed", stats)
	}
}

func TestRunBatchLostCommitCountsAsSkipped(t *testing.T) {
	store, dir := newTestStore(t)
	recs := insertPending(t, store, dir, 1)

	// Requeue the claimed record mid-call, as a stuck-record sweep from
	// another process would.
	analyzer := &scriptedAnalyzer{}
	analyzer.onCall = func() {
		if _, err := db.ResetStuckAnalyzing(store); err != nil {
			t.Fatal(err)
		}
	}
	engine := NewEngine(store, analyzer, KeepImages{}, nil)

	stats, err := engine.RunBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.Skipped != 1 || stats.Analyzed != 0 {
		t.Errorf("stats = %+v, want the lost commit skipped", stats)
	}

	got, err := db.GetCapture(store, recs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("status = %s, want pending after the lost commit", got.Status)
	}
}

func TestDrainProcessesEverythingThenStops(t *testing.T) {
	store, dir := newTestStore(t)
	insertPending(t, store, dir, 7)

	engine := NewEngine(store, &scriptedAnalyzer{}, KeepImages{}, nil)
	stats, err := engine.Drain(context.Background(), 3)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Analyzed != 7 {
		t.Errorf("analyzed = %d, want 7", stats.Analyzed)
	}

	again, err := engine.Drain(context.Background(), 3)
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if again.Processed != 0 {
		t.Errorf("second drain processed %d, want 0", again.Processed)
	}
}

func TestDrainTerminatesWhenEverythingFails(t *testing.T) {
	store, dir := newTestStore(t)
	recs := insertPending(t, store, dir, 3)

	fail := make(map[string]error, len(recs))
	for _, rec := range recs {
		fail[rec.ID] = &backend.Error{Backend: "fake", Kind: backend.KindAuth, Message: "bad key"}
	}
	engine := NewEngine(store, &scriptedAnalyzer{fail: fail}, KeepImages{}, nil)

	stats, err := engine.Drain(context.Background(), 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Failed != 3 {
		t.Errorf("failed = %d, want 3", stats.Failed)
	}
	count, err := db.PendingCount(store)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("pending = %d, failed records must leave the queue", count)
	}
}

func TestArchiveImagesMovesUnderDayDirectory(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "capture-20260201-090000.png")
	if err := os.WriteFile(src, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}

	archive := ArchiveImages{Root: filepath.Join(dir, "archive")}
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	if err := archive.Dispose(src, at); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	dest := filepath.Join(dir, "archive", "2026-02-01", "capture-20260201-090000.png")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("archived file missing: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be gone after archiving")
	}
}

func TestDeleteImagesToleratesMissingFile(t *testing.T) {
	if err := (DeleteImages{}).Dispose(filepath.Join(t.TempDir(), "gone.png"), time.Time{}); err != nil {
		t.Errorf("Dispose: %v", err)
	}
}

func TestArchiveImagesToleratesMissingFile(t *testing.T) {
	root := t.TempDir()
	archiver := ArchiveImages{Root: root}
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	if err := archiver.Dispose(filepath.Join(root, "gone.png"), at); err != nil {
		t.Errorf("Dispose: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "2026-02-01")); !os.IsNotExist(err) {
		t.Error("day directory created for a missing image")
	}
}
