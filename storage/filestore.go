package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	fileExt      = ".json"
	hashedPrefix = "hash_"
	maxNameLen   = 200
)

// fileRecord is the on-disk layout of a single key
type fileRecord struct {
	Key       string    `json:"key"`
	WrittenAt time.Time `json:"written_at"`
	Value     []byte    `json:"value"`
}

// FileStore implements Store with one JSON file per key
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory of the store
func (s *FileStore) Dir() string {
	return s.dir
}

// Get implements Reader
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.read(s.path(key))
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Put implements Writer. The record is written to a temporary file, synced
// and renamed over the target so readers never observe a partial write.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(&fileRecord{Key: key, WrittenAt: time.Now().UTC(), Value: value})
	if err != nil {
		return err
	}

	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Delete implements Writer
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// List implements Reader
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}

	keys := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, ok := s.keyFromName(name)
		if !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) read(path string) (*fileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", filepath.Base(path), err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// keyFromName recovers the key for a file name. Hashed names carry no key
// so the record itself is read.
func (s *FileStore) keyFromName(name string) (string, bool) {
	base := strings.TrimSuffix(name, fileExt)
	if strings.HasPrefix(base, hashedPrefix) {
		rec, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return "", false
		}
		return rec.Key, true
	}
	raw, err := base64.RawURLEncoding.DecodeString(base)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// path maps a key to a file name that is safe on every filesystem
func (s *FileStore) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	// For very long keys, use hash to avoid filesystem limits
	if len(name) > maxNameLen {
		name = fmt.Sprintf("%s%x", hashedPrefix, md5.Sum([]byte(key)))
	}
	return filepath.Join(s.dir, name+fileExt)
}

var _ Store = (*FileStore)(nil)
