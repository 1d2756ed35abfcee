package analyze

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Disposer decides what happens to a capture image once its analysis is
// committed. Engines call Dispose strictly after the analyzed status is
// durable, so a crash can orphan an image but never lose one that still
// has work pending.
type Disposer interface {
	Dispose(imagePath string, capturedAt time.Time) error
}

// KeepImages leaves capture images where they are.
type KeepImages struct{}

func (KeepImages) Dispose(string, time.Time) error { return nil }

// DeleteImages removes the image after commit. This is the default: once
// the analysis row exists the raw screenshot is redundant and large.
type DeleteImages struct{}

func (DeleteImages) Dispose(path string, _ time.Time) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

// ArchiveImages moves the image into a per-day directory under the archive
// root, alongside the metadata store the aggregator reads.
type ArchiveImages struct {
	Root string
}

func (a ArchiveImages) Dispose(path string, capturedAt time.Time) error {
	// An already-gone source means a previous run disposed of it.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dir := filepath.Join(a.Root, capturedAt.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to copy-then-remove.
	if err := copyFile(path, dest); err != nil {
		return fmt.Errorf("archive image: %w", err)
	}
	return os.Remove(path)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
