package state

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileBackend persists each key as its own file under BaseDir, writing
// through a temp file plus rename so a crash mid-write never leaves a
// corrupt or partially-written file in place of a prior good one.
type FileBackend struct {
	baseDir string
}

// NewFileBackend creates a FileBackend rooted at baseDir, creating the
// directory if it does not already exist.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{baseDir: baseDir}, nil
}

func (f *FileBackend) pathFor(key string) string {
	return filepath.Join(f.baseDir, encodeKey(key))
}

// encodeKey replaces path separators so a key can never escape baseDir.
func encodeKey(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "/", "_"), "\\", "_") + ".json"
}

// Save atomically writes data to the file for key: it writes to a sibling
// temp file in the same directory, then renames over the destination.
// Rename is atomic on the same filesystem, so readers never observe a
// half-written file.
func (f *FileBackend) Save(ctx context.Context, key string, data []byte) error {
	dest := f.pathFor(key)
	tmp, err := os.CreateTemp(f.baseDir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, dest)
}

// Load reads the file for key, returning ErrNotFound if it does not exist.
func (f *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the file for key. Deleting a key that does not exist is a
// no-op, matching MemoryBackend's behavior.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every key whose encoded filename starts with prefix.
func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, err
	}

	encodedPrefix := encodeKey(prefix)
	encodedPrefix = strings.TrimSuffix(encodedPrefix, ".json")

	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if strings.HasPrefix(name, encodedPrefix) {
			keys = append(keys, strings.ReplaceAll(name, "_", "/"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; FileBackend holds no long-lived resources.
func (f *FileBackend) Close(ctx context.Context) error { return nil }

var _ PersistenceBackend = (*FileBackend)(nil)
