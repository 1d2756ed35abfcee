package capture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mirulog/internal/db"
	"mirulog/internal/record"
)

// Taker performs a single capture: grab the screen, write the PNG under a
// per-day directory, and insert a pending record. The record is inserted
// only after the image is durably on disk, so a pending row always points
// at a real file.
type Taker struct {
	store   *sql.DB
	grabber Grabber
	window  WindowProbe
	root    string
	logger  *slog.Logger
	now     func() time.Time
}

// TakerOption configures a Taker.
type TakerOption func(*Taker)

// WithTakerClock overrides the clock, for tests.
func WithTakerClock(now func() time.Time) TakerOption {
	return func(t *Taker) { t.now = now }
}

// NewTaker wires a capture pipeline against the given store and capture
// root directory.
func NewTaker(store *sql.DB, grabber Grabber, window WindowProbe, root string, logger *slog.Logger, opts ...TakerOption) *Taker {
	t := &Taker{
		store:   store,
		grabber: grabber,
		window:  window,
		root:    root,
		logger:  logger,
		now:     time.Now,
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Capture grabs the screen and files a pending record. Any failure leaves
// the store untouched; a failure after the image write removes the orphan
// file.
func (t *Taker) Capture(ctx context.Context) (*record.CaptureRecord, error) {
	capturedAt := t.now()

	img, err := t.grabber.Grab()
	if err != nil {
		return nil, fmt.Errorf("capture: grab screen: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("capture: encode png: %w", err)
	}
	digest := sha256.Sum256(buf.Bytes())

	dir := filepath.Join(t.root, capturedAt.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("capture: create day directory: %w", err)
	}
	path := filepath.Join(dir, capturedAt.Format("capture-20060102-150405")+".png")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("capture: write image: %w", err)
	}

	title, process := t.window.ForegroundWindow()

	id, err := record.NewID()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("capture: generate id: %w", err)
	}
	rec := &record.CaptureRecord{
		ID:          id,
		CapturedAt:  capturedAt,
		ImagePath:   path,
		WindowTitle: title,
		ProcessName: process,
		HashDigest:  hex.EncodeToString(digest[:]),
		Status:      record.StatusPending,
	}
	if err := db.InsertCapture(t.store, rec); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("capture: insert record: %w", err)
	}

	t.logger.DebugContext(ctx, "captured",
		"id", rec.ID, "path", path, "window", title, "process", process)
	return rec, nil
}
