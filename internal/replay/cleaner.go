package replay

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"paddlearena/server/internal/logging"
)

// RetentionPolicy defines how many match archives are retained on disk.
type RetentionPolicy struct {
	MaxMatches int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of persisted archives.
type StorageStats struct {
	Matches   int
	Bytes     int64
	Removed   int
	LastSweep time.Time
}

// Cleaner prunes match archives according to a retention policy. Sweeps are driven by the
// job scheduler.
type Cleaner struct {
	mu     sync.RWMutex
	sweep  sync.Mutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided archive directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// RunOnce performs a single retention sweep. Concurrent calls are serialised.
func (c *Cleaner) RunOnce() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	c.sweep.Lock()
	defer c.sweep.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		}
		return
	}
	artefacts := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, art := range artefacts {
		if remove, reason := c.shouldRemove(art, now, kept); remove {
			if err := os.RemoveAll(art.path); err != nil {
				c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("archive", art.name))
			} else {
				c.log.Info("replay retention removed archive", logging.String("archive", art.name), logging.String("reason", reason))
				stats.Removed++
				continue
			}
		}
		kept++
		stats.Matches++
		stats.Bytes += art.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type artefact struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) collect(entries []os.DirEntry) []*artefact {
	list := make([]*artefact, 0, len(entries))
	for _, entry := range entries {
		//1.- Every archive is a directory holding its manifest; stray files are left alone.
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
			continue
		}
		size, modTime, err := directoryFootprint(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		list = append(list, &artefact{name: entry.Name(), path: path, size: size, modTime: modTime})
	}
	//2.- Newest first so retention limits favour recent matches.
	sort.Slice(list, func(i, j int) bool {
		if list[i].modTime.Equal(list[j].modTime) {
			return list[i].name > list[j].name
		}
		return list[i].modTime.After(list[j].modTime)
	})
	return list
}

func (c *Cleaner) shouldRemove(art *artefact, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(art.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxMatches > 0 && kept >= c.policy.MaxMatches {
		reasons = append(reasons, fmt.Sprintf(">=%d matches", c.policy.MaxMatches))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

// directoryFootprint returns the total size and the newest modification time below root.
func directoryFootprint(root string) (int64, time.Time, error) {
	var (
		total  int64
		newest time.Time
	)
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, walkErr
}
