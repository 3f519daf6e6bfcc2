// Package storage keeps run history metadata in an append-only JSONL index,
// guarded by a file lock so concurrent machine processes stay consistent.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrNoMatches is returned when no conversations match the query.
	ErrNoMatches = errors.New("no conversations found")
	// ErrManyMatches is returned when multiple conversations match the query.
	ErrManyMatches = errors.New("multiple conversations matched the input")
)

const (
	indexFileName      = "index.jsonl"
	compactMinOps      = 256
	compactScaleFactor = 4
)

// Conversation is one history record: the metadata of a finished run whose
// transcript lives in the conversation cache under the same ID.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Profile   string    `json:"profile,omitempty"`
	API       string    `json:"api,omitempty"`
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type indexEvent struct {
	Op           string        `json:"op"`
	ID           string        `json:"id,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// DB is an append-only JSONL-backed conversation metadata index.
//
// Every mutation is appended as an event; the file is periodically compacted
// back to one upsert per live record.
type DB struct {
	mu            sync.RWMutex
	indexPath     string
	lock          *flock.Flock
	records       map[string]Conversation
	ops           int
	cleanupTmpDir string
}

// Open loads the conversation index stored in the given directory. The
// special value ":memory:" creates a throwaway store, primarily for tests.
func Open(dir string) (*DB, error) {
	cleanup := ""
	if dir == ":memory:" {
		tmp, err := os.MkdirTemp("", "machine-history-*")
		if err != nil {
			return nil, fmt.Errorf("storage: create temp store: %w", err)
		}
		dir, cleanup = tmp, tmp
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create store directory: %w", err)
	}

	db := &DB{
		indexPath:     filepath.Join(dir, indexFileName),
		lock:          flock.New(filepath.Join(dir, "index.lock")),
		records:       make(map[string]Conversation),
		cleanupTmpDir: cleanup,
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

// Close releases temporary resources (used for :memory: stores).
func (db *DB) Close() error {
	if db.cleanupTmpDir == "" {
		return nil
	}
	if err := os.RemoveAll(db.cleanupTmpDir); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return nil
}

// Save upserts a conversation record, stamping its update time.
func (db *DB) Save(convo Conversation) error {
	if strings.TrimSpace(convo.ID) == "" {
		return errors.New("storage: save: empty id")
	}
	if strings.TrimSpace(convo.Title) == "" {
		return errors.New("storage: save: empty title")
	}
	convo.UpdatedAt = time.Now().UTC()

	db.mu.Lock()
	defer db.mu.Unlock()

	db.records[convo.ID] = convo
	if err := db.appendEventLocked(indexEvent{Op: "upsert", Conversation: &convo}); err != nil {
		return fmt.Errorf("storage: save: %w", err)
	}
	if err := db.compactIfNeededLocked(); err != nil {
		return fmt.Errorf("storage: save: %w", err)
	}
	return nil
}

// Delete removes a conversation record by ID. Deleting an absent record is
// not an error.
func (db *DB) Delete(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("storage: delete: empty id")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.records[id]; !ok {
		return nil
	}
	delete(db.records, id)

	if err := db.appendEventLocked(indexEvent{Op: "delete", ID: id}); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	if err := db.compactIfNeededLocked(); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

// List returns all records, most recently updated first.
func (db *DB) List() []Conversation {
	db.mu.RLock()
	convos := slices.Collect(func(yield func(Conversation) bool) {
		for _, convo := range db.records {
			if !yield(convo) {
				return
			}
		}
	})
	db.mu.RUnlock()

	sortNewestFirst(convos)
	return convos
}

// ListOlderThan returns records not updated within the given duration,
// most recently updated first.
func (db *DB) ListOlderThan(age time.Duration) []Conversation {
	cutoff := time.Now().Add(-age)

	db.mu.RLock()
	var convos []Conversation
	for _, convo := range db.records {
		if convo.UpdatedAt.Before(cutoff) {
			convos = append(convos, convo)
		}
	}
	db.mu.RUnlock()

	sortNewestFirst(convos)
	return convos
}

// Latest returns the most recently updated record.
func (db *DB) Latest() (*Conversation, error) {
	list := db.List()
	if len(list) == 0 {
		return nil, fmt.Errorf("storage: latest: %w", ErrNoMatches)
	}
	head := list[0]
	return &head, nil
}

// Find resolves a record by ID prefix or exact title. Inputs shorter than
// the minimum prefix length only match titles.
func (db *DB) Find(in string) (*Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var matches []Conversation
	for _, convo := range db.records {
		if convo.Title == in {
			matches = append(matches, convo)
			continue
		}
		if len(in) >= IDMinPrefix && strings.HasPrefix(convo.ID, in) {
			matches = append(matches, convo)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoMatches, in)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrManyMatches, in)
	}
}

// Completions returns shell completion candidates for IDs and titles.
func (db *DB) Completions(in string) []string {
	set := make(map[string]struct{})

	db.mu.RLock()
	for _, convo := range db.records {
		if strings.HasPrefix(convo.ID, in) {
			id := convo.ID
			if len(in) < IDShort && len(id) > IDShort {
				id = id[:IDShort]
			}
			set[id+"\t"+convo.Title] = struct{}{}
		}
		if strings.HasPrefix(convo.Title, in) {
			id := convo.ID
			if len(id) > IDShort {
				id = id[:IDShort]
			}
			set[convo.Title+"\t"+id] = struct{}{}
		}
	}
	db.mu.RUnlock()

	result := make([]string, 0, len(set))
	for value := range set {
		result = append(result, value)
	}
	slices.Sort(result)
	return result
}

func (db *DB) load() error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("storage: lock index file: %w", err)
	}
	defer func() { _ = db.lock.Unlock() }()

	file, err := os.Open(db.indexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("storage: open index file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt indexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return fmt.Errorf("storage: parse index event: %w", err)
		}
		if err := db.applyEvent(&evt); err != nil {
			return err
		}
		db.ops++
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("storage: scan index file: %w", err)
	}
	return nil
}

func (db *DB) applyEvent(evt *indexEvent) error {
	switch evt.Op {
	case "upsert":
		if evt.Conversation == nil || strings.TrimSpace(evt.Conversation.ID) == "" {
			return errors.New("storage: invalid upsert event")
		}
		db.records[evt.Conversation.ID] = *evt.Conversation
	case "delete":
		if strings.TrimSpace(evt.ID) == "" {
			return errors.New("storage: invalid delete event")
		}
		delete(db.records, evt.ID)
	default:
		return fmt.Errorf("storage: invalid index event op: %q", evt.Op)
	}
	return nil
}

func (db *DB) appendEventLocked(evt indexEvent) error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer func() { _ = db.lock.Unlock() }()

	file, err := os.OpenFile(db.indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer func() { _ = file.Close() }()

	bts, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal index event: %w", err)
	}
	bts = append(bts, '\n')
	if _, err := file.Write(bts); err != nil {
		return fmt.Errorf("write index event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}

	db.ops++
	return nil
}

func (db *DB) compactIfNeededLocked() error {
	if db.ops < compactMinOps {
		return nil
	}
	if len(db.records) > 0 && db.ops < len(db.records)*compactScaleFactor {
		return nil
	}
	return db.compactLocked()
}

func (db *DB) compactLocked() error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer func() { _ = db.lock.Unlock() }()

	items := make([]Conversation, 0, len(db.records))
	for _, convo := range db.records {
		items = append(items, convo)
	}
	slices.SortFunc(items, func(a, b Conversation) int {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})

	tmpPath := db.indexPath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open compacted index: %w", err)
	}

	enc := json.NewEncoder(file)
	for _, convo := range items {
		if err := enc.Encode(indexEvent{Op: "upsert", Conversation: &convo}); err != nil {
			_ = file.Close()
			return fmt.Errorf("write compacted index: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync compacted index: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close compacted index: %w", err)
	}

	if err := os.Rename(tmpPath, db.indexPath); err != nil {
		return fmt.Errorf("replace index with compacted version: %w", err)
	}
	if d, err := os.Open(filepath.Dir(db.indexPath)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	db.ops = len(db.records)
	return nil
}

func sortNewestFirst(convos []Conversation) {
	slices.SortFunc(convos, func(a, b Conversation) int {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
