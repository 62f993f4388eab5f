package convo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Record is the on-disk shape of one conversation: one JSON document
// containing the timestamp, message history, free-form metadata, captured
// session memories, and named task lists.
type Record struct {
	ID        string                  `json:"id"`
	Timestamp time.Time               `json:"timestamp"`
	Messages  []Message               `json:"messages"`
	Metadata  map[string]any          `json:"metadata,omitempty"`
	Memory    []Memory                `json:"memory,omitempty"`
	Tasks     map[string][]TaskRecord `json:"tasks,omitempty"`
}

// TaskRecord is the wire shape of a tasks.Task, duplicated here rather than
// imported so the store has no dependency on the tasks package's in-memory
// representation.
type TaskRecord struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Data    any    `json:"data,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// NewRecord returns an empty record for a fresh conversation, generating an
// id if one is not supplied.
func NewRecord(id string) Record {
	if id == "" {
		id = uuid.NewString()
	}
	return Record{ID: id, Timestamp: time.Now().UTC()}
}

// Store reads and writes conversation records under an advisory file lock,
// so the conversation server, the notes coordinator, and the background
// indexer never tear each other's writes.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.dir, id+".lock")
}

// Load reads and parses the record for id. Acquiring the same lock used by
// Save ensures a concurrent writer can never hand back a torn view.
func (s *Store) Load(id string) (Record, error) {
	lock := flock.New(s.lockPath(id))
	if err := lock.Lock(); err != nil {
		return Record{}, fmt.Errorf("convo: locking %s: %w", id, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return Record{}, fmt.Errorf("convo: reading %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("convo: parsing %s: %w", id, err)
	}
	return rec, nil
}

// Save persists rec atomically: write to a temp file in the same directory,
// chmod 0600, then rename over the final path, all under an exclusive lock
// on the conversation's store path.
func (s *Store) Save(rec Record) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("convo: creating store dir: %w", err)
	}

	lock := flock.New(s.lockPath(rec.ID))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("convo: locking %s: %w", rec.ID, err)
	}
	defer lock.Unlock()

	rec.Timestamp = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("convo: marshaling %s: %w", rec.ID, err)
	}

	final := s.path(rec.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("convo: writing %s: %w", rec.ID, err)
	}
	if err := os.Chmod(tmp, 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("convo: chmod %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("convo: renaming %s: %w", rec.ID, err)
	}
	return nil
}

// Exists reports whether a record for id has ever been saved.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Summary is a lightweight, picker-friendly view of a saved conversation,
// derived from its Record without needing the full message history.
type Summary struct {
	ID           string
	Description  string // first user message, truncated to 100 runes
	Model        string
	Timestamp    time.Time
	MessageCount int
}

// List returns a summary of every conversation in the store, newest first.
// Records that fail to parse are skipped rather than failing the whole scan,
// matching the store's tolerance for partially-written or foreign files.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convo: listing store dir: %w", err)
	}

	var summaries []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		rec, err := s.Load(id)
		if err != nil {
			continue
		}
		summaries = append(summaries, summarize(rec))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})
	return summaries, nil
}

func summarize(rec Record) Summary {
	desc := ""
	for _, m := range rec.Messages {
		if m.Kind == KindUser {
			desc = m.Content
			break
		}
	}
	if runes := []rune(desc); len(runes) > 100 {
		desc = string(runes[:100])
	}

	model, _ := rec.Metadata["model"].(string)
	return Summary{
		ID:           rec.ID,
		Description:  desc,
		Model:        model,
		Timestamp:    rec.Timestamp,
		MessageCount: len(rec.Messages),
	}
}
