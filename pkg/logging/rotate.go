// Package logging sets up the process logger and the debug log file.
package logging

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DefaultMaxSize    = 10 * 1024 * 1024
	DefaultMaxBackups = 3

	// DefaultFileName is the debug log name inside the data directory.
	DefaultFileName = "wikidesigner.debug.log"
)

// RotatingFile is a log file that is moved to path.1 once it would grow past
// its size limit. Older backups shift up to path.N and the oldest is removed.
type RotatingFile struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

type Option func(*RotatingFile)

func WithMaxSize(size int64) Option {
	return func(r *RotatingFile) {
		if size > 0 {
			r.maxSize = size
		}
	}
}

func WithMaxBackups(count int) Option {
	return func(r *RotatingFile) {
		r.maxBackups = max(count, 0)
	}
}

// NewRotatingFile opens path for appending, creating its directory.
func NewRotatingFile(path string, opts ...Option) (*RotatingFile, error) {
	r := &RotatingFile{
		path:       path,
		maxSize:    DefaultMaxSize,
		maxBackups: DefaultMaxBackups,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("opening log file: %w", err)
	}

	r.file = f
	r.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would not fit. A single write larger
// than the limit still goes to a fresh file in one piece.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) backup(n int) string {
	return fmt.Sprintf("%s.%d", r.path, n)
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	if r.maxBackups == 0 {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return r.open()
	}

	_ = os.Remove(r.backup(r.maxBackups))
	for i := r.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(r.backup(i), r.backup(i+1))
	}
	if err := os.Rename(r.path, r.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return r.open()
}

// Setup installs the default slog logger. Without debug, logs are discarded.
// With debug, they go to a rotating file at path, or DefaultFileName in
// dataDir when path is empty. The returned closer is never nil.
func Setup(debug bool, path, dataDir string) (io.Closer, error) {
	if !debug {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return nopCloser{}, nil
	}

	path = cmp.Or(strings.TrimSpace(path), filepath.Join(dataDir, DefaultFileName))
	f, err := NewRotatingFile(path)
	if err != nil {
		return nopCloser{}, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return f, nil
}

// SetupStderr is the fallback when the debug log file cannot be opened.
func SetupStderr(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
