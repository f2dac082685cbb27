package chunk

import (
	"regexp"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
)

// fixture builds a graph from an adjacency list; ids prefixed with "~" are imported asynchronously.
type fixture struct {
	g *graph.Graph
}

func newFixture() *fixture { return &fixture{graph.New()} }

func (f *fixture) module(id string, size int) *graph.Module {
	if m := f.g.Get(id); m != nil {
		return m
	}
	m := graph.NewPlaceholder(id)
	m.Fill(make([]byte, size), nil)
	f.g.Add(m)
	return m
}

func (f *fixture) link(from string, to ...string) {
	m := f.module(from, 1)
	for _, id := range to {
		async := false
		if id[0] == '~' {
			id, async = id[1:], true
		}
		m.Deps = append(m.Deps, &graph.Ref{Request: graph.Request{Specifier: id, Async: async}, Target: f.module(id, 1)})
	}
}

func (f *fixture) entry(name string, ids ...string) {
	e := graph.Entry{Name: name}
	for _, id := range ids {
		e.Modules = append(e.Modules, f.module(id, 1))
	}
	f.g.Entries = append(f.g.Entries, e)
}

func names(mods []*graph.Module) []string {
	var seq []string
	for _, m := range mods {
		seq = append(seq, m.ID)
	}
	return seq
}

func rule(name, test string, enforce bool) *Rule {
	return &Rule{Name: name, Test: regexp.MustCompile(test), Scope: config.ScopeAll, Enforce: enforce, MinChunks: 1}
}

func TestEnforcedStylesheetGoesToVendor(t *testing.T) {
	f := newFixture()
	f.link(`a.js`, `node_modules/lib.css`, `b.js`)
	f.entry(`app`, `a.js`)

	cg, err := Allocate(f.g, []*Rule{rule(`vendor`, `node_modules`, true)})
	require.NoError(t, err)
	require.Len(t, cg.Chunks, 2)
	app, vendor := cg.Chunk(`app`), cg.Chunk(`vendor`)
	assert.Equal(t, []string{`a.js`, `b.js`}, names(app.Modules()))
	assert.Equal(t, []string{`node_modules/lib.css`}, names(vendor.Modules()))
	assert.Same(t, vendor, cg.Owner(f.g.Get(`node_modules/lib.css`)))
	assert.True(t, vendor.Initial())
}

func TestDisjointEnforcedRules(t *testing.T) {
	f := newFixture()
	f.link(`foo.js`, `node_modules/vue.js`, `src/util.js`, `src/foo.css`)
	f.link(`bar.js`, `node_modules/lodash.js`, `src/util.js`, `src/bar.css`)
	f.entry(`foo`, `foo.js`)
	f.entry(`bar`, `bar.js`)

	cg, err := Allocate(f.g, []*Rule{
		rule(`vendor`, `node_modules`, true),
		rule(`styles`, `\.css$`, true),
	})
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, c := range cg.Chunks {
		for _, m := range c.Modules() {
			seen[m.ID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.ElementsMatch(t, []string{`node_modules/vue.js`, `node_modules/lodash.js`}, names(cg.Chunk(`vendor`).Modules()))
	assert.ElementsMatch(t, []string{`src/foo.css`, `src/bar.css`}, names(cg.Chunk(`styles`).Modules()))
	assert.Equal(t, []string{`foo.js`}, names(cg.Chunk(`foo`).Modules()))
	assert.Equal(t, []string{`bar.js`}, names(cg.Chunk(`bar`).Modules()))
	assert.Equal(t, []string{`src/util.js`}, names(cg.Chunk(CommonName).Modules()), `shared leftovers`)
}

func TestRuleMatchesChunkNames(t *testing.T) {
	f := newFixture()
	f.link(`foo.js`, `vue.js`, `foo2.js`)
	f.entry(`foo`, `foo.js`)
	f.entry(`vendor`, `vue.js`)

	r := rule(`vendor`, `vendor`, true)
	r.Scope = config.ScopeInitial
	cg, err := Allocate(f.g, []*Rule{r})
	require.NoError(t, err)
	assert.Equal(t, []string{`foo.js`, `foo2.js`}, names(cg.Chunk(`foo`).Modules()))
	assert.Equal(t, []string{`vue.js`}, names(cg.Chunk(`vendor`).Modules()))
	assert.True(t, cg.Chunk(`vendor`).Entry)
	assert.Nil(t, cg.Chunk(CommonName))
}

func TestChunkNamesMatchByPrefix(t *testing.T) {
	for _, tc := range []struct {
		test  string
		moved bool
	}{
		{`ven`, true},
		{`vendor`, true},
		{`dor`, false},
		{`endo`, false},
	} {
		f := newFixture()
		f.link(`one.js`)
		f.link(`vue.js`)
		f.entry(`core`, `one.js`)
		f.entry(`vendor`, `vue.js`)

		r := rule(`split`, tc.test, true)
		r.Scope = config.ScopeInitial
		cg, err := Allocate(f.g, []*Rule{r})
		require.NoError(t, err)
		if tc.moved {
			require.NotNil(t, cg.Chunk(`split`), tc.test)
			assert.Equal(t, []string{`vue.js`}, names(cg.Chunk(`split`).Modules()), tc.test)
		} else {
			assert.Nil(t, cg.Chunk(`split`), tc.test)
			assert.Equal(t, []string{`vue.js`}, names(cg.Chunk(`vendor`).Modules()), tc.test)
		}
	}
}

func TestConflictingEnforcedRules(t *testing.T) {
	f := newFixture()
	f.link(`a.js`, `node_modules/x.js`)
	f.entry(`app`, `a.js`)

	_, err := Allocate(f.g, []*Rule{
		rule(`vendor`, `node_modules`, true),
		rule(`lib`, `x\.js$`, true),
	})
	var ae *report.AllocationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, `node_modules/x.js`, ae.Module)
	assert.Equal(t, []string{`vendor`, `lib`}, ae.Targets)
}

func TestScopes(t *testing.T) {
	f := newFixture()
	f.link(`a.js`, `sync.js`, `~lazy.js`)
	f.entry(`app`, `a.js`)

	async := rule(`lazy`, `\.js$`, true)
	async.Scope = config.ScopeAsync
	cg, err := Allocate(f.g, []*Rule{async})
	require.NoError(t, err)
	assert.Equal(t, []string{`a.js`, `sync.js`}, names(cg.Chunk(`app`).Modules()))
	assert.Equal(t, []string{`lazy.js`}, names(cg.Chunk(`lazy`).Modules()))
	assert.False(t, cg.Chunk(`lazy`).Initial())
}

func TestNonEnforcedThresholds(t *testing.T) {
	f := newFixture()
	f.link(`foo.js`, `shared.js`, `only-foo.js`)
	f.link(`bar.js`, `shared.js`)
	f.entry(`foo`, `foo.js`)
	f.entry(`bar`, `bar.js`)

	r := rule(`shared`, ``, false)
	r.MinChunks = 2
	cg, err := Allocate(f.g, []*Rule{r})
	require.NoError(t, err)
	assert.Equal(t, []string{`shared.js`}, names(cg.Chunk(`shared`).Modules()))
	assert.Equal(t, []string{`foo.js`, `only-foo.js`}, names(cg.Chunk(`foo`).Modules()))

	big := rule(`big`, ``, false)
	big.MinChunks = 2
	big.MinSize = 1 << 20
	cg, err = Allocate(f.g, []*Rule{big})
	require.NoError(t, err)
	assert.Nil(t, cg.Chunk(`big`), `too small to split`)
	assert.Equal(t, []string{`shared.js`}, names(cg.Chunk(CommonName).Modules()))
}

func TestCompileRules(t *testing.T) {
	cfg, err := config.Parse([]byte(`
entry "app" { modules = ["./a.js"] }
chunk "vendor" {
  test    = "node_modules"
  enforce = true
}
`), `/proj/pack.hcl`)
	require.NoError(t, err)
	rules, err := CompileRules(cfg)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, config.ScopeAll, rules[0].Scope)
	assert.Equal(t, 1, rules[0].MinChunks)
	assert.True(t, rules[0].Test.MatchString(`/proj/node_modules/vue/index.js`))
}
