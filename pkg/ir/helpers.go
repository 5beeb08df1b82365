package ir

import (
	"sync"

	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
)

// HelperID indexes a HelperTable.
type HelperID int

// HelperFlags tell the allocator how much guest state a helper touches.
type HelperFlags uint8

const (
	// HelperReadsGlobals: dirty globals are written back before the call.
	HelperReadsGlobals HelperFlags = 1 << iota
	// HelperWritesGlobals: cached globals are reloaded after the call.
	HelperWritesGlobals
	// HelperMayFault: the helper can return a *types.Fault.
	HelperMayFault
)

// HelperFunc is an out-of-line routine called from generated code. A
// returned *types.Fault is raised as a guest exception.
type HelperFunc func(env *cpu.Env, args []uint64) (uint64, error)

// Helper describes one registered routine.
type Helper struct {
	Name    string
	Fn      HelperFunc
	NumArgs int
	Flags   HelperFlags
}

// HelperTable maps helper ids to routines. Registration happens before any
// vCPU starts; lookups are lock-free after that.
type HelperTable struct {
	mu      sync.Mutex
	helpers []Helper
	byName  map[string]HelperID
}

func NewHelperTable() *HelperTable {
	return &HelperTable{byName: make(map[string]HelperID)}
}

// Register adds h and returns its id. Registering the same name twice
// returns the existing id.
func (t *HelperTable) Register(h Helper) HelperID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byName[h.Name]; ok {
		return id
	}
	t.helpers = append(t.helpers, h)
	id := HelperID(len(t.helpers) - 1)
	t.byName[h.Name] = id
	return id
}

// Lookup returns the helper for id, or nil.
func (t *HelperTable) Lookup(id HelperID) *Helper {
	if id < 0 || int(id) >= len(t.helpers) {
		return nil
	}
	return &t.helpers[id]
}

// ByName returns the id registered under name.
func (t *HelperTable) ByName(name string) (HelperID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byName[name]
	return id, ok
}

// Call invokes helper id with args.
func (t *HelperTable) Call(id HelperID, env *cpu.Env, args []uint64) (uint64, error) {
	h := t.Lookup(id)
	if h == nil {
		return 0, errors.Internalf("call to unregistered helper %d", id)
	}
	return h.Fn(env, args[:h.NumArgs])
}
