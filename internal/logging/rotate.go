package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"paddlearena/server/internal/config"
)

// backupStamp names rotated files; it sorts lexically in time order.
const backupStamp = "20060102T150405.000"

// rotatingFile appends log lines to one file and rolls it into timestamped backups once it
// passes the configured size.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func openRotatingFile(cfg config.LoggingConfig) (*rotatingFile, error) {
	r := &rotatingFile{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open() error {
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("logging.path: %w", err)
		}
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging.path: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("logging.path: %w", err)
	}
	r.file, r.size = file, info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func (r *rotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	stamp := r.now().UTC().Format(backupStamp)
	backup := r.backupPrefix() + stamp + filepath.Ext(r.path)
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}
	if r.compress {
		//1.- A failed compression keeps the plain backup rather than losing lines.
		if err := gzipFile(backup); err == nil {
			_ = os.Remove(backup)
		}
	}
	if err := r.open(); err != nil {
		return err
	}
	r.prune()
	return nil
}

// backupPrefix is "<dir>/<name>-" for a path "<dir>/<name>.<ext>".
func (r *rotatingFile) backupPrefix() string {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext) + "-"
}

type backup struct {
	path  string
	taken time.Time
}

// backups lists rotated files newest first, dating each from its name.
func (r *rotatingFile) backups() []backup {
	prefix := r.backupPrefix()
	matches, _ := filepath.Glob(prefix + "*")
	ext := filepath.Ext(r.path)
	var out []backup
	for _, path := range matches {
		stamp := strings.TrimPrefix(path, prefix)
		stamp = strings.TrimSuffix(stamp, ".gz")
		stamp = strings.TrimSuffix(stamp, ext)
		taken, err := time.Parse(backupStamp, stamp)
		if err != nil {
			continue
		}
		out = append(out, backup{path: path, taken: taken})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].taken.After(out[j].taken) })
	return out
}

func (r *rotatingFile) prune() {
	cutoff := time.Time{}
	if r.maxAge > 0 {
		cutoff = r.now().Add(-r.maxAge)
	}
	for i, b := range r.backups() {
		tooMany := r.maxBackups > 0 && i >= r.maxBackups
		tooOld := !cutoff.IsZero() && b.taken.Before(cutoff)
		if tooMany || tooOld {
			_ = os.Remove(b.path)
		}
	}
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(dst, gzip.BestSpeed)
	if err != nil {
		_ = dst.Close()
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	return dst.Close()
}
