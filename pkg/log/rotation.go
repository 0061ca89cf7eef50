// Size-based log rotation for the MMU filament transport engine
//
// The engine logs continuously while a print runs, so the log file is
// capped and rolled through numbered backups: mmu.log.1 is the most
// recent rolled file, higher numbers are older, and files past Keep are
// deleted.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// RotateConfig configures a RotateWriter.
type RotateConfig struct {
	// Path is the live log file.
	Path string

	// MaxBytes rolls the file before a write would push it past this
	// size. Default 10 MiB.
	MaxBytes int64

	// Keep is how many rolled backups to retain. Default 5.
	Keep int

	// Compress gzips rolled files (Path.1.gz, Path.2.gz, ...).
	Compress bool
}

// RotateWriter is an io.Writer over a size-capped log file.
type RotateWriter struct {
	mu   sync.Mutex
	cfg  RotateConfig
	f    *os.File
	size int64
}

// NewRotateWriter opens (or creates) the live log file.
func NewRotateWriter(cfg RotateConfig) (*RotateWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log: rotation needs a file path")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 5
	}
	w := &RotateWriter{cfg: cfg}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotateWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Path), 0755); err != nil {
		return fmt.Errorf("log: create log directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat log file: %w", err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// Write rolls the file first when the incoming record would push it
// past MaxBytes, so a single record is never split across files.
func (w *RotateWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.cfg.MaxBytes && w.size > 0 {
		if err := w.roll(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// backupName returns the path of backup number n, honoring Compress.
func (w *RotateWriter) backupName(n int) string {
	name := w.cfg.Path + "." + strconv.Itoa(n)
	if w.cfg.Compress {
		name += ".gz"
	}
	return name
}

// roll shifts every backup up one number, moves the live file to .1,
// and reopens a fresh live file.
func (w *RotateWriter) roll() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("log: close for rotation: %w", err)
	}

	os.Remove(w.backupName(w.cfg.Keep))
	for n := w.cfg.Keep - 1; n >= 1; n-- {
		if _, err := os.Stat(w.backupName(n)); err == nil {
			os.Rename(w.backupName(n), w.backupName(n+1))
		}
	}

	if w.cfg.Compress {
		if err := gzipFile(w.cfg.Path, w.backupName(1)); err != nil {
			w.open()
			return err
		}
		os.Remove(w.cfg.Path)
	} else if err := os.Rename(w.cfg.Path, w.backupName(1)); err != nil {
		w.open()
		return fmt.Errorf("log: rename for rotation: %w", err)
	}

	return w.open()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("log: compress rolled file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("log: compress rolled file: %w", err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("log: compress rolled file: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("log: compress rolled file: %w", err)
	}
	return out.Close()
}

// Size returns the live file's current size.
func (w *RotateWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the live file.
func (w *RotateWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// UseFile redirects the shared sink into a rotating file and disables
// colors. The returned writer should be closed on shutdown.
func UseFile(cfg RotateConfig) (*RotateWriter, error) {
	w, err := NewRotateWriter(cfg)
	if err != nil {
		return nil, err
	}
	std.mu.Lock()
	std.w = w
	std.color = false
	std.mu.Unlock()
	return w, nil
}
