package replay

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CatalogEntry pairs an archive directory with its manifest.
type CatalogEntry struct {
	Dir      string   `json:"dir"`
	Manifest Manifest `json:"manifest"`
}

// Catalog walks root and returns every archive manifest found, oldest first.
func Catalog(root string) ([]CatalogEntry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []CatalogEntry
	created := make(map[string]time.Time)
	//1.- Every directory holding a manifest is one archive; unreadable manifests abort the walk.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestName {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var manifest Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		dir := filepath.Dir(path)
		created[dir], _ = time.Parse(time.RFC3339Nano, manifest.CreatedAt)
		entries = append(entries, CatalogEntry{Dir: dir, Manifest: manifest})
		return nil
	})
	if err != nil {
		return nil, err
	}

	//2.- The directory breaks ties between archives opened in the same instant.
	sort.Slice(entries, func(i, j int) bool {
		a, b := created[entries[i].Dir], created[entries[j].Dir]
		if a.Equal(b) {
			return entries[i].Dir < entries[j].Dir
		}
		return a.Before(b)
	})
	return entries, nil
}
