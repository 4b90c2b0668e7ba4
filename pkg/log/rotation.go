// Size based log file rotation
//
// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the active log file.
	Filename string

	// MaxSizeMB is the size in megabytes that triggers rotation.
	// Default is 10 MB.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept as name.1 .. name.N.
	// Default is 5.
	MaxBackups int

	// maxBytes overrides MaxSizeMB in tests.
	maxBytes int64
}

// RotatingWriter is an io.WriteCloser that rotates its file once it grows
// past the configured size. Backups are shifted name.1 -> name.2 and the
// oldest one beyond MaxBackups is removed.
type RotatingWriter struct {
	mu         sync.Mutex
	filename   string
	maxBytes   int64
	maxBackups int
	size       int64
	file       *os.File
}

// NewRotatingWriter opens (or creates) the log file for appending.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	maxBytes := int64(cfg.MaxSizeMB) * 1024 * 1024
	if cfg.maxBytes > 0 {
		maxBytes = cfg.maxBytes
	}
	w := &RotatingWriter{
		filename:   cfg.Filename,
		maxBytes:   maxBytes,
		maxBackups: cfg.MaxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) backupName(i int) string {
	return fmt.Sprintf("%s.%d", w.filename, i)
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}
	w.file = nil
	os.Remove(w.backupName(w.maxBackups))
	for i := w.maxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(w.backupName(i)); err == nil {
			if err := os.Rename(w.backupName(i), w.backupName(i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(w.filename, w.backupName(1)); err != nil {
		w.open()
		return fmt.Errorf("rename log file: %w", err)
	}
	return w.open()
}

// Size returns the size of the active file.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the active file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// OpenFileOutput builds the writer for the logging.file setting: the
// rotating file alone, or tee'd with stderr when console is set.
func OpenFileOutput(cfg RotationConfig, console bool) (io.Writer, io.Closer, error) {
	rw, err := NewRotatingWriter(cfg)
	if err != nil {
		return nil, nil, err
	}
	if console {
		return io.MultiWriter(os.Stderr, rw), rw, nil
	}
	return rw, rw, nil
}
