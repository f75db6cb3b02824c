package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type rotatingFile struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	maxSizeBytes int64
	maxAgeDays   int
}

func openRotatingFile(path string, maxSizeMB, maxAgeDays int) (*rotatingFile, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	rf := &rotatingFile{
		file:         f,
		path:         path,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		maxAgeDays:   maxAgeDays,
	}
	_ = rf.cleanup()
	return rf, nil
}

func (r *rotatingFile) writeLine(line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	if err := r.rotateIfNeeded(int64(len(line))); err != nil {
		return err
	}
	_, err := r.file.Write(line)
	return err
}

func (r *rotatingFile) rotateIfNeeded(nextWrite int64) error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	if info.Size()+nextWrite <= r.maxSizeBytes {
		return nil
	}

	if err := r.file.Close(); err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%s", r.path, time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.file = nil
		return err
	}
	r.file = f
	return r.cleanup()
}

// cleanup removes rotated siblings (larkgate.log.20260213-120000) older than maxAgeDays.
func (r *rotatingFile) cleanup() error {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -r.maxAgeDays)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (r *rotatingFile) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}
