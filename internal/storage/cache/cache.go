// Package cache stores JSON-encoded payloads in per-ID files, sharded by ID
// prefix to keep directories small.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Type selects the cache namespace under the base directory.
type Type string

// Cache namespaces.
const (
	ConversationCache Type = "conversations"
	TemporaryCache    Type = "temp"
)

const (
	cacheExt       = ".json"
	shardPrefixLen = 2
)

var errInvalidID = errors.New("invalid id")

// Cache stores values of type T as JSON files keyed by ID.
type Cache[T any] struct {
	baseDir string
	cType   Type
}

// New creates a cache rooted at baseDir under the given namespace.
func New[T any](baseDir string, cacheType Type) (*Cache[T], error) {
	dir := filepath.Join(baseDir, string(cacheType))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache[T]{baseDir: baseDir, cType: cacheType}, nil
}

func (c *Cache[T]) dir() string {
	return filepath.Join(c.baseDir, string(c.cType))
}

func (c *Cache[T]) filePath(id string) string {
	if !c.isSharded() || len(id) < shardPrefixLen {
		return c.flatFilePath(id)
	}
	return filepath.Join(c.dir(), id[:shardPrefixLen], id+cacheExt)
}

// flatFilePath is the pre-sharding layout; reads and deletes fall back to it
// so old stores keep working.
func (c *Cache[T]) flatFilePath(id string) string {
	return filepath.Join(c.dir(), id+cacheExt)
}

func (c *Cache[T]) isSharded() bool {
	return c.cType == ConversationCache
}

// Read decodes the value stored under id into out.
func (c *Cache[T]) Read(id string, out *T) error {
	if id == "" {
		return fmt.Errorf("read: %w", errInvalidID)
	}
	file, err := os.Open(c.filePath(id))
	if err != nil && c.isSharded() && errors.Is(err, os.ErrNotExist) {
		file, err = os.Open(c.flatFilePath(id))
	}
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if err := json.NewDecoder(file).Decode(out); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

// Write stores the value under id atomically.
func (c *Cache[T]) Write(id string, value T) error {
	if id == "" {
		return fmt.Errorf("write: %w", errInvalidID)
	}

	path := c.filePath(id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := json.NewEncoder(tmp).Encode(value); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Delete removes the value stored under id.
func (c *Cache[T]) Delete(id string) error {
	if id == "" {
		return fmt.Errorf("delete: %w", errInvalidID)
	}
	err := os.Remove(c.filePath(id))
	if c.isSharded() && errors.Is(err, os.ErrNotExist) {
		err = os.Remove(c.flatFilePath(id))
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
