package transform

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/swdunlop/pack-go/pack/graph"
)

// A Key identifies a cached unit.  A unit may be reused only when the module content, the chains applied to it and
// the modules its requests resolved to are all unchanged.
type Key struct {
	Module string // module id
	Hash   uint64 // xxhash of the module content
	Chain  uint64 // xxhash of the chain signature
}

// A Store persists units between builds.
type Store interface {
	Load(key Key) (*graph.Unit, bool)
	Save(key Key, unit *graph.Unit) error
	Forget(module string) error // drops the unit of a module whose file was removed
}

func (p *Pipeline) key(m *graph.Module, rules []*Rule) Key {
	var sig strings.Builder
	sig.WriteString(p.mode.String())
	sig.WriteString("\x00" + p.publicPath + "\x00" + p.assetFilename)
	for _, rule := range rules {
		sig.WriteString("\x00" + strconv.Itoa(rule.Index))
		for _, step := range p.chain(rule) {
			sig.WriteString("\x00" + step.Plugin + "\x00" + step.Options.signature())
		}
	}
	for _, ref := range m.Deps {
		if ref != nil && ref.Target != nil {
			sig.WriteString("\x00" + ref.Specifier + "\x00" + ref.Target.ID)
		}
	}
	return Key{
		Module: m.ID,
		Hash:   xxhash.Sum64(m.Content),
		Chain:  xxhash.Sum64String(sig.String()),
	}
}
