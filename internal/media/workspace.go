package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Workspace holds downloaded media on disk while it is being processed.
type Workspace struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger
}

func NewWorkspace(dir string, maxAge time.Duration, logger *slog.Logger) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create media directory %s: %w", dir, err)
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Workspace{dir: dir, maxAge: maxAge, logger: logger}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Write stores data under a fresh name with the given extension.
func (w *Workspace) Write(data []byte, ext string) (string, error) {
	p := filepath.Join(w.dir, uuid.NewString()+ext)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return p, nil
}

// Remove deletes a file written by Write. Missing files are ignored.
func (w *Workspace) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("media cleanup failed", "path", path, "err", err)
	}
}

// Cleanup removes regular files older than the configured max age.
func (w *Workspace) Cleanup(now time.Time) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < w.maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (w *Workspace) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := w.Cleanup(now)
			if err != nil {
				w.logger.Warn("media janitor failed", "err", err)
				continue
			}
			if n > 0 {
				w.logger.Info("old media files removed", "count", n)
			}
		}
	}
}
