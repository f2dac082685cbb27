// Package chunk partitions a module graph into chunks.
//
// Every entry starts a chunk holding everything reachable from it.  Chunk rules are then applied in configuration
// order, moving matching modules into named chunks, and any module still present in more than one chunk is moved
// into a shared "common" chunk.  All chunks on a page share one runtime, so after allocation every module belongs to
// exactly one chunk.
package chunk

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
)

// CommonName names the chunk that receives modules shared by several chunks that no rule claimed.
const CommonName = `common`

// A Chunk is a set of modules emitted together.
type Chunk struct {
	Name  string
	Entry bool            // declared entry; its roots are run once the page's initial chunks are loaded
	Roots []*graph.Module // entry modules, in declaration order

	members map[*graph.Module]bool // module -> reachable through synchronous edges only
}

func newChunk(name string, entry bool) *Chunk {
	return &Chunk{Name: name, Entry: entry, members: make(map[*graph.Module]bool)}
}

// Modules returns the chunk's modules in discovery order.
func (c *Chunk) Modules() []*graph.Module {
	seq := make([]*graph.Module, 0, len(c.members))
	for m := range c.members {
		seq = append(seq, m)
	}
	sort.Slice(seq, func(i, j int) bool { return seq[i].Order < seq[j].Order })
	return seq
}

// Has reports whether m belongs to the chunk.
func (c *Chunk) Has(m *graph.Module) bool {
	_, ok := c.members[m]
	return ok
}

// Len returns the number of modules in the chunk.
func (c *Chunk) Len() int { return len(c.members) }

// Initial reports whether the chunk must be loaded with the page, which is true for entry chunks and for any chunk
// holding a module reachable without dynamic imports.
func (c *Chunk) Initial() bool {
	if c.Entry {
		return true
	}
	for _, initial := range c.members {
		if initial {
			return true
		}
	}
	return false
}

// Size is the total raw size of the chunk's modules.
func (c *Chunk) Size() int {
	n := 0
	for m := range c.members {
		n += m.Size()
	}
	return n
}

// A Graph is the result of allocation.
type Graph struct {
	Chunks []*Chunk // entry chunks in declaration order, then chunks created by rules, then the common chunk
	owner  map[*graph.Module]*Chunk
}

// Chunk returns the chunk with the given name, or nil.
func (cg *Graph) Chunk(name string) *Chunk {
	for _, c := range cg.Chunks {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Owner returns the chunk holding m, or nil.
func (cg *Graph) Owner(m *graph.Module) *Chunk { return cg.owner[m] }

// A Rule extracts matching modules into a named chunk.
type Rule struct {
	Name      string
	Test      *regexp.Regexp // matched anywhere in module ids, or at the start of the names of chunks holding the module
	Scope     string         // config.ScopeAll, config.ScopeInitial or config.ScopeAsync
	Enforce   bool
	MinChunks int
	MinSize   int
}

// CompileRules compiles configured chunk rules.
func CompileRules(cfg *config.Config) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(cfg.Chunks))
	for _, rc := range cfg.Chunks {
		rx, err := regexp.Compile(rc.Test)
		if err != nil {
			return nil, fmt.Errorf(`%w in chunk rule %q`, err, rc.Name)
		}
		rules = append(rules, &Rule{
			Name: rc.Name, Test: rx, Scope: rc.Chunks, Enforce: rc.Enforce,
			MinChunks: rc.MinChunks, MinSize: rc.MinSize,
		})
	}
	return rules, nil
}

// Allocate partitions g.  Enforced rules that claim the same module for different chunks fail with an
// AllocationError naming the module.
func Allocate(g *graph.Graph, rules []*Rule) (*Graph, error) {
	cg := &Graph{owner: make(map[*graph.Module]*Chunk)}
	for _, entry := range g.Entries {
		c := cg.Chunk(entry.Name)
		if c == nil {
			c = newChunk(entry.Name, true)
			cg.Chunks = append(cg.Chunks, c)
		}
		c.Roots = append(c.Roots, entry.Modules...)
		initial := make(map[*graph.Module]bool)
		for _, m := range graph.Reachable(true, entry.Modules...) {
			initial[m] = true
		}
		for _, m := range graph.Reachable(false, entry.Modules...) {
			c.members[m] = c.members[m] || initial[m]
		}
	}

	var errs report.List
	claimed := make(map[*graph.Module]string) // module -> enforced target
	for _, rule := range rules {
		var matched []*graph.Module
		for _, m := range g.Sorted() {
			holders := cg.holders(m, rule.Scope)
			if len(holders) == 0 || !rule.matches(m, holders) {
				continue
			}
			if !rule.Enforce && (len(holders) < rule.MinChunks || claimed[m] != ``) {
				continue
			}
			if rule.Enforce {
				if prev := claimed[m]; prev != `` && prev != rule.Name {
					errs.Push(&report.AllocationError{Module: m.ID, Targets: []string{prev, rule.Name}})
					continue
				}
				claimed[m] = rule.Name
			}
			matched = append(matched, m)
		}
		if len(matched) == 0 {
			continue
		}
		if !rule.Enforce && rule.MinSize > 0 {
			size := 0
			for _, m := range matched {
				size += m.Size()
			}
			if size < rule.MinSize {
				continue
			}
		}
		cg.moveAll(rule.Name, matched)
	}
	if err := errs.Err(report.PhaseAllocate); err != nil {
		return nil, err
	}

	var shared []*graph.Module
	for _, m := range g.Sorted() {
		if len(cg.holders(m, config.ScopeAll)) > 1 {
			shared = append(shared, m)
		}
	}
	if len(shared) > 0 {
		cg.moveAll(CommonName, shared)
	}

	var kept []*Chunk
	for _, c := range cg.Chunks {
		if c.Entry || c.Len() > 0 {
			kept = append(kept, c)
		}
		for m := range c.members {
			cg.owner[m] = c
		}
	}
	cg.Chunks = kept
	return cg, nil
}

// holders returns the chunks holding m within the given scope.
func (cg *Graph) holders(m *graph.Module, scope string) []*Chunk {
	var seq []*Chunk
	for _, c := range cg.Chunks {
		initial, ok := c.members[m]
		switch {
		case !ok:
		case scope == config.ScopeInitial && !initial:
		case scope == config.ScopeAsync && initial:
		default:
			seq = append(seq, c)
		}
	}
	return seq
}

func (r *Rule) matches(m *graph.Module, holders []*Chunk) bool {
	if r.Test.MatchString(m.ID) {
		return true
	}
	for _, c := range holders {
		if loc := r.Test.FindStringIndex(c.Name); loc != nil && loc[0] == 0 {
			return true
		}
	}
	return false
}

// moveAll moves modules into the named chunk, creating it if needed, and removes them from every other chunk.
func (cg *Graph) moveAll(name string, mods []*graph.Module) {
	target := cg.Chunk(name)
	if target == nil {
		target = newChunk(name, false)
		cg.Chunks = append(cg.Chunks, target)
	}
	for _, m := range mods {
		initial := false
		for _, c := range cg.Chunks {
			if v, ok := c.members[m]; ok {
				initial = initial || v
				if c != target {
					delete(c.members, m)
				}
			}
		}
		target.members[m] = initial
	}
}
