package loom

import (
	"reflect"
	"sync"
)

// MetaRegistry is a type-keyed append-only store. Controllers deposit
// RouteInfo records during registration; consumers installed with
// WithMetaConsumer receive read-only snapshots at build time.
// Consumers are non-draining, so multiple consumers for the same
// entry type coexist.
type MetaRegistry struct {
	mu      sync.RWMutex
	entries map[reflect.Type][]any
}

// NewMetaRegistry creates an empty meta registry.
func NewMetaRegistry() *MetaRegistry {
	return &MetaRegistry{entries: make(map[reflect.Type][]any)}
}

// AddMeta appends an entry under its type.
func AddMeta[M any](m *MetaRegistry, entry M) {
	m.mu.Lock()
	t := typeOf[M]()
	m.entries[t] = append(m.entries[t], entry)
	m.mu.Unlock()
}

// MetaOf returns a snapshot of all entries of type M.
func MetaOf[M any](m *MetaRegistry) []M {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.entries[typeOf[M]()]
	out := make([]M, 0, len(stored))
	for _, e := range stored {
		out = append(out, e.(M))
	}
	return out
}

// RouteInfo is the metadata record every route deposits into the meta
// registry, consumed by the OpenAPI plugin among others.
type RouteInfo struct {
	Controller  string
	OperationID string
	Method      string
	Path        string
	Status      int
	Summary     string
	Description string
	Deprecated  bool
	Roles       []string
	Authed      bool
	RequestType string
	ReplyType   string
}
