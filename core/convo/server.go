package convo

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const interruptPrefix = "[User Interjection] "

// Server is the long-lived actor owning one conversation's live state. All
// state is private and mutex-guarded, the same serialization discipline
// core/namepool and core/globals use for their own actors.
type Server struct {
	mu     sync.Mutex
	store  *Store
	id     string
	msgs   []Message
	memory []Memory
	tasks  map[string][]TaskRecord
	meta   map[string]any
}

// NewServer creates a server backed by store, with no conversation loaded.
func NewServer(store *Store) *Server {
	return &Server{store: store, tasks: make(map[string][]TaskRecord)}
}

// StartNew resets the server to a fresh, empty conversation, generating an
// id if one is not supplied, and returns the id in use. Unlike Load, it does
// not touch disk; the caller must call Save to persist the first turn.
func (s *Server) StartNew(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.msgs = nil
	s.memory = nil
	s.tasks = make(map[string][]TaskRecord)
	s.meta = nil
	return id
}

// ID returns the conversation id currently loaded, or "" if none.
func (s *Server) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetStore repoints where future Save/Load calls persist, without touching
// the in-memory history. Used when the sessions directory is configured
// after the server is already constructed.
func (s *Server) SetStore(store *Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
}

// Load replaces the server's current state with the record for id, read from
// disk.
func (s *Server) Load(id string) error {
	rec, err := s.store.Load(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = rec.ID
	s.msgs = rec.Messages
	s.memory = rec.Memory
	s.tasks = rec.Tasks
	if s.tasks == nil {
		s.tasks = make(map[string][]TaskRecord)
	}
	s.meta = rec.Metadata
	return nil
}

// AppendMsg appends m to the in-memory message history without persisting.
func (s *Server) AppendMsg(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

// ReplaceMsgs replaces the entire in-memory message history without
// persisting, for compaction and tersification rounds.
func (s *Server) ReplaceMsgs(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append([]Message{}, msgs...)
}

// GetMessages returns a snapshot of the current message history.
func (s *Server) GetMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message{}, s.msgs...)
}

// GetMemory returns a snapshot of captured memories (every scope currently
// held in-process; promoted project/global memories pass through here too
// until the indexer's promotion pipeline relocates them to their own store).
func (s *Server) GetMemory() []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Memory{}, s.memory...)
}

// GetTasks returns a snapshot of all task lists.
func (s *Server) GetTasks() map[string][]TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]TaskRecord, len(s.tasks))
	for id, ts := range s.tasks {
		out[id] = append([]TaskRecord{}, ts...)
	}
	return out
}

// PutMemory replaces the memory list without persisting.
func (s *Server) PutMemory(list []Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = append([]Memory{}, list...)
}

// AppendMemory adds one new session-scoped memory (index_status "new") to
// the in-memory list without persisting, for callers that only ever add
// facts one at a time (e.g. the notes coordinator's extraction output).
func (s *Server) AppendMemory(title, content string, topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = append(s.memory, Memory{
		Scope:       MemoryScopeSession,
		Title:       title,
		Content:     content,
		Topics:      topics,
		IndexStatus: IndexStatusNew,
	})
}

// UpsertTaskList replaces one named task list without persisting.
func (s *Server) UpsertTaskList(id string, tasks []TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = make(map[string][]TaskRecord)
	}
	s.tasks[id] = append([]TaskRecord{}, tasks...)
}

// Interrupt enqueues a user-interrupt message, tagged with an internal
// prefix so the driver and the UI can distinguish it from an ordinary user
// message when it surfaces mid-step.
func (s *Server) Interrupt(text string) {
	s.AppendMsg(User(interruptPrefix + text))
}

// Save persists the current snapshot under the store's file lock, then
// reloads from disk to re-sync — guarding against another writer having
// mutated the record between this server's last read and now.
func (s *Server) Save() error {
	s.mu.Lock()
	if s.id == "" {
		s.mu.Unlock()
		return fmt.Errorf("convo: save called with no conversation loaded")
	}
	rec := Record{
		ID:       s.id,
		Messages: stripBoilerplate(s.msgs),
		Memory:   append([]Memory{}, s.memory...),
		Tasks:    copyTasks(s.tasks),
		Metadata: s.meta,
	}
	s.mu.Unlock()

	if err := s.store.Save(rec); err != nil {
		return err
	}
	return s.Load(rec.ID)
}

func copyTasks(tasks map[string][]TaskRecord) map[string][]TaskRecord {
	out := make(map[string][]TaskRecord, len(tasks))
	for id, ts := range tasks {
		out[id] = append([]TaskRecord{}, ts...)
	}
	return out
}

// stripBoilerplate removes messages that should never survive a save: any
// assistant message whose content starts with a "<think>" reasoning trace
// (the whole message is dropped), and any system message
// other than the agent-name line or a compactor-produced conversation
// summary.
func stripBoilerplate(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Kind == KindSystem && !isKeptSystemMessage(m):
			continue
		case m.Kind == KindAssistantText && strings.HasPrefix(m.Content, "<think>"):
			continue
		default:
			out = append(out, m)
		}
	}
	return out
}

func isKeptSystemMessage(m Message) bool {
	if strings.HasPrefix(m.Content, "Your name is ") {
		return true
	}
	if strings.HasPrefix(m.Content, "Summary of conversation and research thus far") {
		return true
	}
	return false
}
