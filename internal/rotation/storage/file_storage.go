package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "20060102-150405"

// FileStorage implements Storage using the filesystem. Each run is one JSON
// file named <timestamp>-<id>.json.
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string) *FileStorage {
	return &FileStorage{
		baseDir: baseDir,
	}
}

// DefaultStorageDir returns the default history directory
func DefaultStorageDir() string {
	if dir := os.Getenv("REKEY_HISTORY_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "rekey", "history")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "rekey", "history")
	}

	return filepath.Join(os.TempDir(), "rekey", "history")
}

// Dir returns the storage directory.
func (fs *FileStorage) Dir() string {
	return fs.baseDir
}

// SaveRun saves a run history entry
func (fs *FileStorage) SaveRun(entry *HistoryEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("history entry has no id")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(fs.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	filename := filepath.Join(fs.baseDir, fmt.Sprintf("%s-%s.json",
		entry.Timestamp.UTC().Format(timestampLayout), sanitizeFilename(entry.ID)))
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (fs *FileStorage) GetRun(id string) (*HistoryEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	files, err := fs.files()
	if err != nil {
		return nil, err
	}
	suffix := "-" + sanitizeFilename(id) + ".json"
	for _, name := range files {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		entry, err := fs.read(name)
		if err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, fmt.Errorf("no run found with id %s", id)
}

// ListRuns retrieves run history, newest first
func (fs *FileStorage) ListRuns(limit int) ([]HistoryEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	files, err := fs.files()
	if err != nil {
		return nil, err
	}

	entries := []HistoryEntry{}
	for _, name := range files {
		entry, err := fs.read(name)
		if err != nil {
			continue // Skip files that can't be read
		}
		entries = append(entries, *entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// CleanupOldEntries removes history entries older than the specified duration
func (fs *FileStorage) CleanupOldEntries(olderThan time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	files, err := fs.files()
	if err != nil {
		return err
	}

	cutoffTime := time.Now().Add(-olderThan)
	for _, name := range files {
		if len(name) < len(timestampLayout) {
			continue
		}
		timestamp, err := time.Parse(timestampLayout, name[:len(timestampLayout)])
		if err != nil || !timestamp.Before(cutoffTime) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.baseDir, name)); err != nil {
			return fmt.Errorf("failed to remove old history file %s: %w", name, err)
		}
	}
	return nil
}

// files returns the JSON file names in the history directory.
func (fs *FileStorage) files() ([]string, error) {
	dirEntries, err := os.ReadDir(fs.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (fs *FileStorage) read(name string) (*HistoryEntry, error) {
	data, err := os.ReadFile(filepath.Join(fs.baseDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	var entry HistoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
	}
	return &entry, nil
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
