// Package graph holds the module graph shared by the resolver, the transform pipeline, the chunk allocator and the
// emitter.  The resolver owns a graph while it is being built; once resolution completes, modules are read-only
// except for their transform state and unit.
package graph

import (
	"path/filepath"
	"sort"
	"sync"
)

// A State tracks how far a module has progressed through a build.
type State int

const (
	Placeholder State = iota // known by id, content not loaded yet
	Raw                      // loaded and scanned
	Transformed              // unit produced by the transform pipeline
	Finalized                // emitted into a chunk artifact
)

func (s State) String() string {
	switch s {
	case Placeholder:
		return `placeholder`
	case Raw:
		return `raw`
	case Transformed:
		return `transformed`
	case Finalized:
		return `finalized`
	}
	return `unknown`
}

// A Request is a dependency declared by a module, before resolution.
type Request struct {
	Specifier string
	Async     bool // dynamic import()
	Kind      RequestKind
}

// RequestKind distinguishes script imports from stylesheet references.
type RequestKind int

const (
	ImportRequest RequestKind = iota // import, export from, require, import()
	StyleImport                      // @import in a stylesheet
	StyleURL                         // url() in a stylesheet
)

// A Ref is a resolved dependency edge.  Target may point at a placeholder module while a cycle is being resolved;
// the module is filled in place, so a Ref never needs to be rewritten.
type Ref struct {
	Request
	Target *Module
}

// A Module is a single resolved unit of source content.
type Module struct {
	ID       string // absolute path, or a virtual id
	Name     string // ID relative to the build context, used in output and hot updates
	Order    int    // discovery order, used to break ties deterministically
	Content  []byte
	Requests []Request
	Deps     []*Ref // one per request, in the same order
	State    State
	Unit     *Unit

	ready chan struct{}
	once  sync.Once
}

// NewPlaceholder returns a module that is known by id but not yet loaded.
func NewPlaceholder(id string) *Module {
	return &Module{ID: id, State: Placeholder, ready: make(chan struct{})}
}

// Fill loads content into a placeholder and marks it ready.
func (m *Module) Fill(content []byte, requests []Request) {
	m.Content = content
	m.Requests = requests
	m.State = Raw
	m.markReady()
}

func (m *Module) markReady() {
	m.once.Do(func() {
		if m.ready != nil {
			close(m.ready)
		}
	})
}

// Ready returns a channel that is closed once the module has been filled.
func (m *Module) Ready() <-chan struct{} {
	if m.ready == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.ready
}

// Ext returns the lower case file extension of the module id.
func (m *Module) Ext() string { return filepath.Ext(m.ID) }

// Size is the length of the module's raw content.
func (m *Module) Size() int { return len(m.Content) }

// A Graph is a set of modules reachable from a set of entries.
type Graph struct {
	Modules map[string]*Module
	Entries []Entry
}

// An Entry names the roots of one entry chunk.
type Entry struct {
	Name    string
	Modules []*Module
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Modules: make(map[string]*Module)}
}

// Add inserts m, assigning it the next discovery order.  Adding a module with an id that is already present replaces
// it, which is how rebuilds swap in a reloaded module.
func (g *Graph) Add(m *Module) {
	if old, ok := g.Modules[m.ID]; ok {
		m.Order = old.Order
	} else {
		m.Order = len(g.Modules)
	}
	g.Modules[m.ID] = m
}

// Renumber replaces the discovery order assigned by Add, which depends on which worker got to a module first, with
// the order of a walk from each entry in turn that visits a module before the dependencies it declares.  Modules no
// entry reaches follow, by id.
func (g *Graph) Renumber() {
	n := 0
	seen := make(map[*Module]bool, len(g.Modules))
	var visit func(*Module)
	visit = func(m *Module) {
		if m == nil || seen[m] {
			return
		}
		seen[m] = true
		m.Order = n
		n++
		for _, ref := range m.Deps {
			if ref != nil {
				visit(ref.Target)
			}
		}
	}
	for _, entry := range g.Entries {
		for _, m := range entry.Modules {
			visit(m)
		}
	}
	var rest []*Module
	for _, m := range g.Modules {
		if !seen[m] {
			rest = append(rest, m)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	for _, m := range rest {
		m.Order = n
		n++
	}
}

// Get returns the module with the given id, or nil.
func (g *Graph) Get(id string) *Module { return g.Modules[id] }

// Sorted returns the modules in discovery order.
func (g *Graph) Sorted() []*Module {
	seq := make([]*Module, 0, len(g.Modules))
	for _, m := range g.Modules {
		seq = append(seq, m)
	}
	sort.Slice(seq, func(i, j int) bool { return seq[i].Order < seq[j].Order })
	return seq
}

// Dependents returns the reverse edges of the graph: for each module id, the modules that import it.
func (g *Graph) Dependents() map[string][]*Module {
	rev := make(map[string][]*Module, len(g.Modules))
	for _, m := range g.Sorted() {
		for _, ref := range m.Deps {
			if ref.Target == nil {
				continue
			}
			rev[ref.Target.ID] = append(rev[ref.Target.ID], m)
		}
	}
	return rev
}

// Ancestors returns the ids of every module that transitively imports any of the given modules, including the
// modules themselves.
func (g *Graph) Ancestors(ids ...string) map[string]bool {
	rev := g.Dependents()
	seen := make(map[string]bool, len(ids))
	var visit func(string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, m := range rev[id] {
			visit(m.ID)
		}
	}
	for _, id := range ids {
		visit(id)
	}
	return seen
}

// Reachable returns the modules reachable from roots in discovery order.  If initialOnly is set, async edges are not
// followed.
func Reachable(initialOnly bool, roots ...*Module) []*Module {
	seen := make(map[*Module]bool)
	var out []*Module
	var visit func(*Module)
	visit = func(m *Module) {
		if m == nil || seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
		for _, ref := range m.Deps {
			if initialOnly && ref.Async {
				continue
			}
			visit(ref.Target)
		}
	}
	for _, m := range roots {
		visit(m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
