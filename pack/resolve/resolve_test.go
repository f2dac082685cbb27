package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
)

func project(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	return fs
}

func resolver(t *testing.T, fs afero.Fs, options ...Option) *Resolver {
	t.Helper()
	r, err := New(`/proj`, append([]Option{Fs(fs), Workers(2)}, options...)...)
	require.NoError(t, err)
	return r
}

func TestSharedDependencyIsLoadedOnce(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/src/foo.js`:    `import {x} from './shared'; console.log(x)`,
		`/proj/src/bar.js`:    `const x = require("./shared.js")`,
		`/proj/src/shared.js`: `export const x = 1`,
	})
	g, err := resolver(t, fs).Resolve(context.Background(),
		Entry{`foo`, []string{`./src/foo.js`}},
		Entry{`bar`, []string{`./src/bar.js`}},
	)
	require.NoError(t, err)
	require.Len(t, g.Modules, 3)

	foo, bar := g.Entries[0].Modules[0], g.Entries[1].Modules[0]
	require.Len(t, foo.Deps, 1)
	require.Len(t, bar.Deps, 1)
	assert.Same(t, foo.Deps[0].Target, bar.Deps[0].Target)
	assert.Equal(t, `./src/shared.js`, foo.Deps[0].Target.Name)
	assert.Equal(t, graph.Raw, foo.Deps[0].Target.State)
}

func TestCycleTerminates(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/a.js`: `import './b.js'; export const a = 1`,
		`/proj/b.js`: `import './a.js'; export const b = 2`,
	})
	g, err := resolver(t, fs).Resolve(context.Background(), Entry{`main`, []string{`./a.js`}})
	require.NoError(t, err)
	require.Len(t, g.Modules, 2)

	a, b := g.Get(`/proj/a.js`), g.Get(`/proj/b.js`)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Len(t, a.Deps, 1)
	require.Len(t, b.Deps, 1)
	assert.Same(t, b, a.Deps[0].Target)
	assert.Same(t, a, b.Deps[0].Target)
	for _, m := range []*graph.Module{a, b} {
		assert.NotEqual(t, graph.Placeholder, m.State)
		select {
		case <-m.Ready():
		default:
			t.Fatalf(`%s is not ready`, m.ID)
		}
	}
}

func TestBareRequestsSearchRootsUpward(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/src/app/main.js`:               `import Vue from 'vue'; import _ from "lodash"; import u from 'util'`,
		`/proj/node_modules/vue/package.json`: `{"name": "vue", "module": "dist/vue.esm.js", "main": "dist/vue.js"}`,
		`/proj/node_modules/vue/dist/vue.esm.js`: `export default {}`,
		`/proj/node_modules/lodash/index.js`:  `module.exports = {}`,
		`/proj/src/util.js`:                   `export default 1`,
	})
	r := resolver(t, fs, Roots(`node_modules`, `/proj/src`))
	g, err := r.Resolve(context.Background(), Entry{`main`, []string{`./src/app/main.js`}})
	require.NoError(t, err)

	main := g.Get(`/proj/src/app/main.js`)
	require.NotNil(t, main)
	var targets []string
	for _, ref := range main.Deps {
		targets = append(targets, ref.Target.ID)
	}
	assert.Equal(t, []string{
		`/proj/node_modules/vue/dist/vue.esm.js`,
		`/proj/node_modules/lodash/index.js`,
		`/proj/src/util.js`,
	}, targets)
}

func TestExtensionsAreTriedInOrder(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`: `import './x'`,
		`/proj/x.js`:    ``,
		`/proj/x.mjs`:   ``,
	})
	g, err := resolver(t, fs).Resolve(context.Background(), Entry{`main`, []string{`./main`}})
	require.NoError(t, err)
	assert.NotNil(t, g.Get(`/proj/x.mjs`))
	assert.Nil(t, g.Get(`/proj/x.js`))
}

func TestResolutionErrorsAreCollected(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`: `import './missing'; import 'absent'`,
	})
	_, err := resolver(t, fs, Extensions(`.js`)).Resolve(context.Background(),
		Entry{`main`, []string{`./main.js`}},
		Entry{`other`, []string{`./nowhere.js`}},
	)
	require.Error(t, err)

	entries := report.Entries(report.PhaseResolve, err)
	require.Len(t, entries, 3)

	var f *report.Failure
	require.True(t, errors.As(err, &f))
	var missing *report.ResolutionError
	for _, e := range f.Errs {
		var re *report.ResolutionError
		if errors.As(e, &re) && re.Request == `./missing` {
			missing = re
		}
	}
	require.NotNil(t, missing)
	assert.Equal(t, `/proj/main.js`, missing.From)
	assert.Equal(t, []string{`/proj/missing`, `/proj/missing.js`}, missing.Tried)
}

func TestAsyncImportsAreMarked(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`: `import './a.js'; import('./b.js').then(b => b.run())`,
		`/proj/a.js`:    ``,
		`/proj/b.js`:    ``,
	})
	g, err := resolver(t, fs).Resolve(context.Background(), Entry{`main`, []string{`./main.js`}})
	require.NoError(t, err)
	main := g.Get(`/proj/main.js`)
	require.Len(t, main.Deps, 2)
	assert.False(t, main.Deps[0].Async)
	assert.True(t, main.Deps[1].Async)
}

func TestCacheSurvivesRebuilds(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`: `import './a.js'`,
		`/proj/a.js`:    `import './b.js'`,
		`/proj/b.js`:    `export default 1`,
	})
	r := resolver(t, fs)
	entry := Entry{`main`, []string{`./main.js`}}
	g1, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, `/proj/b.js`, []byte(`export default 2`), 0o644))
	r.Cache().Forget(`/proj/b.js`)

	g2, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, g2.Modules, 3)
	assert.Same(t, g1.Get(`/proj/main.js`), g2.Get(`/proj/main.js`))
	assert.Same(t, g1.Get(`/proj/a.js`), g2.Get(`/proj/a.js`))
	assert.NotSame(t, g1.Get(`/proj/b.js`), g2.Get(`/proj/b.js`))
	assert.Equal(t, `export default 2`, string(g2.Get(`/proj/b.js`).Content))
	assert.Same(t, g2.Get(`/proj/b.js`), g2.Get(`/proj/a.js`).Deps[0].Target)
}

func TestFailedModulesAreRetried(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`: `import './late.js'`,
	})
	r := resolver(t, fs)
	entry := Entry{`main`, []string{`./main.js`}}
	_, err := r.Resolve(context.Background(), entry)
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, `/proj/late.js`, nil, 0o644))
	g, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	assert.NotNil(t, g.Get(`/proj/late.js`))
}

func TestMovedDependencyIsLookedUpAgain(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`:  `import './x'; import './other.js'`,
		`/proj/x.js`:     `export default 1`,
		`/proj/other.js`: ``,
	})
	r := resolver(t, fs)
	entry := Entry{`main`, []string{`./main.js`}}
	_, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)

	require.NoError(t, fs.Remove(`/proj/x.js`))
	require.NoError(t, afero.WriteFile(fs, `/proj/x/index.js`, []byte(`export default 2`), 0o644))
	r.Cache().Forget(`/proj/x.js`)

	g, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	assert.Nil(t, g.Get(`/proj/x.js`))
	moved := g.Get(`/proj/x/index.js`)
	require.NotNil(t, moved)
	assert.Same(t, moved, g.Get(`/proj/main.js`).Deps[0].Target)
	assert.Same(t, g.Get(`/proj/other.js`), g.Get(`/proj/main.js`).Deps[1].Target)

	// and again, now that the new location is cached
	g, err = r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	assert.Same(t, moved, g.Get(`/proj/main.js`).Deps[0].Target)
}

func TestRemovedDependencyIsReported(t *testing.T) {
	fs := project(t, map[string]string{
		`/proj/main.js`: `import './x'`,
		`/proj/x.js`:    ``,
	})
	r := resolver(t, fs)
	entry := Entry{`main`, []string{`./main.js`}}
	_, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	main, _ := r.Cache().Module(`/proj/main.js`)

	require.NoError(t, fs.Remove(`/proj/x.js`))
	r.Cache().Forget(`/proj/x.js`)
	_, err = r.Resolve(context.Background(), entry)
	require.Error(t, err)
	var re *report.ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, `./x`, re.Request)
	assert.Equal(t, `/proj/main.js`, re.From)
	_, cached := r.Cache().Module(`/proj/main.js`)
	assert.False(t, cached, `the importer is reloaded by the next resolution`)

	require.NoError(t, afero.WriteFile(fs, `/proj/x.mjs`, nil, 0o644))
	g, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	assert.NotSame(t, main, g.Get(`/proj/main.js`))
	assert.Equal(t, `/proj/x.mjs`, g.Get(`/proj/main.js`).Deps[0].Target.ID)
}

// slowFs delays opening some files, to shuffle the order in which workers finish loading them.
type slowFs struct {
	afero.Fs
	delay map[string]time.Duration
}

func (fs slowFs) Open(name string) (afero.File, error) {
	time.Sleep(fs.delay[name])
	return fs.Fs.Open(name)
}

func TestOrderDoesNotDependOnLoadTimes(t *testing.T) {
	files := map[string]string{
		`/proj/foo.js`: `import './b.js'; import './c.js'`,
		`/proj/b.js`:   `import './x.css'; import './y.css'`,
		`/proj/c.js`:   `import './y.css'`,
		`/proj/x.css`:  `.x { color: red }`,
		`/proj/y.css`:  `.y { color: blue }`,
	}
	want := []string{`/proj/foo.js`, `/proj/b.js`, `/proj/x.css`, `/proj/y.css`, `/proj/c.js`}
	for _, slow := range []string{`/proj/b.js`, `/proj/c.js`, `/proj/x.css`} {
		t.Run(slow, func(t *testing.T) {
			fs := slowFs{project(t, files), map[string]time.Duration{slow: 20 * time.Millisecond}}
			r := resolver(t, fs, Workers(8))
			g, err := r.Resolve(context.Background(), Entry{`foo`, []string{`./foo.js`}})
			require.NoError(t, err)

			var seq []string
			for _, m := range g.Sorted() {
				seq = append(seq, m.ID)
			}
			assert.Equal(t, want, seq)

			var styles []string
			for _, m := range graph.Order(g.Sorted()) {
				if m.Ext() == `.css` {
					styles = append(styles, m.ID)
				}
			}
			assert.Equal(t, []string{`/proj/x.css`, `/proj/y.css`}, styles)
		})
	}
}

func TestScanScript(t *testing.T) {
	src := `
// import 'commented'
/* require('blocked') */
import def, {a, b} from "./one"
import * as ns from './two'
import './three.css'
export {x} from './four'
export * from './five'
const six = require('./six')
const again = require('./six')
const lazy = import('./seven')
const url = "http://example.com/not/a/module"
`
	reqs := Scan(`.js`, []byte(src))
	var specs []string
	for _, req := range reqs {
		specs = append(specs, req.Specifier)
	}
	assert.Equal(t, []string{`./one`, `./two`, `./three.css`, `./four`, `./five`, `./six`, `./seven`}, specs)
	assert.True(t, reqs[6].Async)
	assert.False(t, reqs[5].Async)
}

func TestScanStyle(t *testing.T) {
	src := `
@import "./base.css";
@import url(theme.css);
/* url(ignored.png) */
.logo { background: url("./logo.png") no-repeat; }
.icon { background: url(data:image/png;base64,AAAA); }
.font { src: url('https://example.com/font.woff'); }
.other { background: url(./logo.png); }
`
	reqs := Scan(`.css`, []byte(src))
	require.Len(t, reqs, 3)
	assert.Equal(t, graph.Request{Specifier: `./base.css`, Kind: graph.StyleImport}, reqs[0])
	assert.Equal(t, graph.Request{Specifier: `theme.css`, Kind: graph.StyleImport}, reqs[1])
	assert.Equal(t, graph.Request{Specifier: `./logo.png`, Kind: graph.StyleURL}, reqs[2])
}

func TestScanSkipsStringsAndTemplates(t *testing.T) {
	src := "const help = \"usage: import './plugin.js' to enable\"; const tpl = `require('./nope')`;"
	assert.Empty(t, Scan(`.js`, []byte(src)))

	src = "import type { Props } from './types'\nimport { run } from './run'\nrun()\nconst s: string = \"import('./lazy')\"\n"
	assert.Equal(t, []graph.Request{{Specifier: `./run`}}, Scan(`.ts`, []byte(src)))

	src = ".a::before { content: \"url(./not-a-file.png)\"; background: url(./real.png) }"
	assert.Equal(t, []graph.Request{{Specifier: `./real.png`, Kind: graph.StyleURL}}, Scan(`.css`, []byte(src)))
}

func TestScanIgnoresOtherTypes(t *testing.T) {
	assert.Empty(t, Scan(`.png`, []byte(`import 'x'`)))
	assert.Empty(t, Scan(`.json`, []byte(`{"import": "x"}`)))
}
