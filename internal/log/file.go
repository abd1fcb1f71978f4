package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileState is shared by a FileHandler and every handler derived from it
// through WithAttrs/WithGroup, so rotation is seen by all of them.
type fileState struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64 // bytes
	maxAge     int   // days
	maxBackups int
	size       int64
}

// Write implements io.Writer and tracks the file size.
func (s *fileState) Write(p []byte) (int, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

// FileHandler writes logs to a file with rotation support.
type FileHandler struct {
	state  *fileState
	format string
	level  slog.Level
	inner  slog.Handler
}

// NewFileHandler creates a file handler with rotation.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024 // minimum 1KB for testing
	}

	state := &fileState{
		file:       file,
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     cfg.MaxAgeDays,
		maxBackups: cfg.MaxBackups,
		size:       info.Size(),
	}

	return &FileHandler{
		state:  state,
		format: cfg.Format,
		level:  level,
		inner:  newFormatHandler(state, cfg.Format, level),
	}, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes the record to the file, rotating if necessary.
func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if h.state.size >= h.state.maxSize {
		if err := h.state.rotate(); err != nil {
			return err
		}
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{
		state:  h.state,
		format: h.format,
		level:  h.level,
		inner:  h.inner.WithAttrs(attrs),
	}
}

// WithGroup returns a new handler with the given group.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{
		state:  h.state,
		format: h.format,
		level:  h.level,
		inner:  h.inner.WithGroup(name),
	}
}

// rotate renames the current file with a timestamp suffix and opens a new one.
// Caller holds s.mu.
func (s *fileState) rotate() error {
	s.file.Close()

	backupPath := s.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(s.path, backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	s.cleanOldBackups()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create new log file: %w", err)
	}
	s.file = file
	s.size = 0
	return nil
}

// cleanOldBackups removes backup files exceeding maxBackups or older than maxAge.
func (s *fileState) cleanOldBackups() {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return
	}

	// Newest first
	sort.Slice(matches, func(i, j int) bool {
		fi, _ := os.Stat(matches[i])
		fj, _ := os.Stat(matches[j])
		if fi == nil || fj == nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})

	cutoff := time.Now().AddDate(0, 0, -s.maxAge)
	for i, path := range matches {
		if i >= s.maxBackups {
			os.Remove(path)
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}

// checkRotate rotates if the file is over its size limit.
func (h *FileHandler) checkRotate() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if h.state.size >= h.state.maxSize {
		h.state.rotate()
	}
}

// Close closes the file handler.
func (h *FileHandler) Close() error {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if h.state.file != nil {
		err := h.state.file.Close()
		h.state.file = nil
		return err
	}
	return nil
}

// Closeable interface for handlers that need cleanup.
type Closeable interface {
	Close() error
}

var _ io.Writer = (*fileState)(nil)
