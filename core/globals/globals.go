// Package globals implements process-tree-scoped key/value overrides layered
// over a default store. Go has no ancestry table to walk, so scope is an
// explicit Scope handle threaded through goroutine spawns rather than OS
// process ancestry.
package globals

import (
	"sync"
)

// Scope identifies one root and its descendants. The zero value is not a
// valid scope — obtain one from Store.NewRoot or Scope.Spawn.
type Scope struct {
	root string
	id   string
	s    *Store
}

type overrideKey struct {
	root, app, key string
}

// Store holds the shared override table plus a default key/value layer.
// A Store is an actor: all access goes through its mutex.
type Store struct {
	mu        sync.Mutex
	overrides map[overrideKey]any
	defaults  map[string]any // "app\x00key" -> default value
	nextID    int
}

// NewStore creates an empty override table.
func NewStore() *Store {
	return &Store{
		overrides: make(map[overrideKey]any),
		defaults:  make(map[string]any),
	}
}

// SetDefault installs a process-wide fallback value for (app, key), used
// when no scope in the lookup chain has an override.
func (s *Store) SetDefault(app, key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[defaultKey(app, key)] = val
}

func defaultKey(app, key string) string { return app + "\x00" + key }

// NewRoot creates a fresh root scope with no overrides. Callers should invoke
// the returned release func when the root's process tree exits, to sweep all
// overrides it owns.
func (s *Store) NewRoot() (Scope, func()) {
	s.mu.Lock()
	s.nextID++
	id := rootID(s.nextID)
	s.mu.Unlock()

	root := Scope{root: id, id: id, s: s}
	return root, func() { s.sweepRoot(id) }
}

func rootID(n int) string {
	const base = "root-"
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if len(digits) == 0 {
		digits = []byte{'0'}
	}
	return base + string(digits)
}

// Spawn creates a child scope under the same root. Children inherit the
// root reference via this explicit capture at spawn time, not ancestry.
func (sc Scope) Spawn() Scope {
	return Scope{root: sc.root, id: sc.root, s: sc.s}
}

// PutEnv installs an override for (app, key) under this scope's root.
func (sc Scope) PutEnv(app, key string, val any) {
	sc.s.mu.Lock()
	defer sc.s.mu.Unlock()
	sc.s.overrides[overrideKey{root: sc.root, app: app, key: key}] = val
}

// PutAllEnv installs multiple overrides as independent single-key inserts;
// the bulk write carries no stronger atomicity than that.
func (sc Scope) PutAllEnv(app string, kv map[string]any) {
	for k, v := range kv {
		sc.PutEnv(app, k, v)
	}
}

// DeleteEnv removes an override for (app, key) under this scope's root.
func (sc Scope) DeleteEnv(app, key string) {
	sc.s.mu.Lock()
	defer sc.s.mu.Unlock()
	delete(sc.s.overrides, overrideKey{root: sc.root, app: app, key: key})
}

// GetEnv resolves (app, key): override for this scope's root, else the
// default store, else the supplied fallback.
func (sc Scope) GetEnv(app, key string, fallback any) any {
	sc.s.mu.Lock()
	defer sc.s.mu.Unlock()

	if v, ok := sc.s.overrides[overrideKey{root: sc.root, app: app, key: key}]; ok {
		return v
	}
	if v, ok := sc.s.defaults[defaultKey(app, key)]; ok {
		return v
	}
	return fallback
}

// sweepRoot removes every override owned by root.
func (s *Store) sweepRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.overrides {
		if k.root == root {
			delete(s.overrides, k)
		}
	}
}
