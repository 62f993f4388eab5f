package convo

// MemoryScope is the persistence tier a Memory entry lives at: captured for
// the running conversation only, promoted to the project, or promoted to
// the user's global store.
type MemoryScope string

const (
	MemoryScopeSession MemoryScope = "session"
	MemoryScopeProject MemoryScope = "project"
	MemoryScopeGlobal  MemoryScope = "global"
)

// IndexStatus tracks a Memory entry through the background indexer's
// promotion pipeline.
type IndexStatus string

const (
	IndexStatusNew          IndexStatus = "new"          // captured, not yet looked at
	IndexStatusAnalyzed     IndexStatus = "analyzed"     // embeddings/summary generated
	IndexStatusRejected     IndexStatus = "rejected"     // promotion declined
	IndexStatusIncorporated IndexStatus = "incorporated" // folded into a summary or another memory
	IndexStatusMerged       IndexStatus = "merged"       // superseded by a replace action
)

// Memory is one durable fact captured during a conversation, at whatever
// scope it currently lives: a session-scoped candidate awaiting promotion,
// or a project/global memory it was promoted into.
type Memory struct {
	Scope       MemoryScope `json:"scope"`
	Title       string      `json:"title"`
	Content     string      `json:"content"`
	Topics      []string    `json:"topics,omitempty"`
	IndexStatus IndexStatus `json:"index_status"`
	Embeddings  []float32   `json:"embeddings,omitempty"`
}
