package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/pack-go/pack/chunk"
	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
)

type fixture struct{ g *graph.Graph }

func newFixture() *fixture { return &fixture{graph.New()} }

// module adds a transformed module; deps prefixed with "~" are async imports.
func (f *fixture) module(id, js, css string, deps ...string) *graph.Module {
	m := graph.NewPlaceholder(id)
	m.Name = `./` + id
	m.Fill([]byte(js+css), nil)
	m.Unit = new(graph.Unit)
	if js != `` {
		m.Unit.Outputs = append(m.Unit.Outputs, graph.Output{Rule: -1, Kind: graph.ScriptOutput, Code: []byte(js)})
	}
	if css != `` {
		m.Unit.Outputs = append(m.Unit.Outputs, graph.Output{Rule: 0, Kind: graph.StylesheetOutput, Code: []byte(css)})
	}
	for _, dep := range deps {
		async := strings.HasPrefix(dep, `~`)
		dep = strings.TrimPrefix(dep, `~`)
		m.Deps = append(m.Deps, &graph.Ref{
			Request: graph.Request{Specifier: `./` + dep, Async: async},
			Target:  f.g.Get(dep),
		})
	}
	f.g.Add(m)
	return m
}

func (f *fixture) entry(name string, ids ...string) {
	e := graph.Entry{Name: name}
	for _, id := range ids {
		e.Modules = append(e.Modules, f.g.Get(id))
	}
	f.g.Entries = append(f.g.Entries, e)
}

func (f *fixture) allocate(t *testing.T, rules ...*chunk.Rule) *chunk.Graph {
	cg, err := chunk.Allocate(f.g, rules)
	require.NoError(t, err)
	return cg
}

func emitter(t *testing.T, options ...Option) *Emitter {
	e, err := New(options...)
	require.NoError(t, err)
	return e
}

func TestStylesheetNamedAfterChunk(t *testing.T) {
	f := newFixture()
	f.module(`node_modules/lib.css`, ``, `.lib { color: red }`)
	f.module(`a.js`, `console.log(1)`, ``, `node_modules/lib.css`)
	f.entry(`app`, `a.js`)
	cg := f.allocate(t, &chunk.Rule{Name: `vendor`, Test: regexp.MustCompile(`node_modules`), Scope: config.ScopeAll, Enforce: true, MinChunks: 1})

	res, err := emitter(t).Emit(context.Background(), f.g, cg)
	require.NoError(t, err)
	css := res.Artifact(`vendor.css`)
	require.NotNil(t, css)
	assert.Equal(t, StylesheetArtifact, css.Kind)
	assert.Contains(t, string(css.Data), `.lib`)
	assert.Nil(t, res.Artifact(`app.css`))
	assert.NotContains(t, string(res.Artifact(`app.js`).Data), `__pack__.define("./node_modules/lib.css"`)
	assert.Contains(t, string(res.Artifact(`vendor.js`).Data), `__pack__.define("./node_modules/lib.css"`)
}

func TestScriptOrderAndStart(t *testing.T) {
	f := newFixture()
	f.module(`b.js`, `exports.b = 1`, ``)
	f.module(`a.js`, `console.log(require("./b.js").b)`, ``, `b.js`)
	f.entry(`app`, `a.js`)

	res, err := emitter(t).Emit(context.Background(), f.g, f.allocate(t))
	require.NoError(t, err)
	js := string(res.Artifact(`app.js`).Data)
	assert.True(t, strings.HasPrefix(js, runtime))
	a := strings.Index(js, `__pack__.define("./a.js", {"./b.js":"./b.js"}`)
	b := strings.Index(js, `__pack__.define("./b.js", {}`)
	require.True(t, a > 0 && b > 0)
	assert.Less(t, b, a)
	assert.True(t, strings.HasSuffix(js, "__pack__.start([\"./a.js\"]);\n"))
}

func TestFilenameTemplates(t *testing.T) {
	f := newFixture()
	f.module(`a.js`, `console.log(1)`, `.a {}`)
	f.entry(`app`, `a.js`)

	res, err := emitter(t, Templates(`js/[name].[chunkhash:8].js`, `[name].[hash:4].css`)).Emit(context.Background(), f.g, f.allocate(t))
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 2)
	assert.Regexp(t, `^js/app\.[0-9a-f]{8}\.js$`, res.Artifacts[0].Name)
	assert.Equal(t, `app.`+res.Hash[:4]+`.css`, res.Artifacts[1].Name)
}

func TestPlaceholdersReplaced(t *testing.T) {
	f := newFixture()
	logo := f.module(`logo.png`, `module.exports = "/x.png"`, ``)
	logo.Unit.URL = `/x.png`
	f.module(`a.css`, ``, `.a { background: url("`+graph.URLPlaceholder(`logo.png`)+`") }`, `logo.png`)
	f.module(`a.js`, ``, ``, `a.css`)
	f.entry(`app`, `a.js`)

	res, err := emitter(t).Emit(context.Background(), f.g, f.allocate(t))
	require.NoError(t, err)
	assert.Equal(t, ".a { background: url(\"/x.png\") }\n", string(res.Artifact(`app.css`).Data))
}

func TestNameCollision(t *testing.T) {
	f := newFixture()
	f.module(`a.js`, `1`, ``)
	f.module(`b.js`, `2`, ``)
	f.entry(`a`, `a.js`)
	f.entry(`b`, `b.js`)

	_, err := emitter(t, Templates(`bundle.js`, `[name].css`)).Emit(context.Background(), f.g, f.allocate(t))
	var ee *report.EmitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, `bundle.js`, ee.Artifact)
}

func TestAsyncChunksLoadedOnDemand(t *testing.T) {
	f := newFixture()
	f.module(`lazy.js`, `exports.x = 1`, ``)
	f.module(`a.js`, `__pack_import__("./lazy.js")`, ``, `~lazy.js`)
	f.entry(`app`, `a.js`)
	cg := f.allocate(t, &chunk.Rule{Name: `lazy`, Test: regexp.MustCompile(`lazy`), Scope: config.ScopeAsync, Enforce: true, MinChunks: 1})

	res, err := emitter(t).Emit(context.Background(), f.g, cg)
	require.NoError(t, err)
	app := string(res.Artifact(`app.js`).Data)
	assert.Contains(t, app, `__pack__.chunks({"./lazy.js":["/lazy.js"]});`)
	lazy := string(res.Artifact(`lazy.js`).Data)
	assert.False(t, strings.HasPrefix(lazy, runtime), `async chunks rely on the page runtime`)
	assert.NotContains(t, lazy, `__pack__.start`)
}

func TestReemitCarriesOverCleanChunks(t *testing.T) {
	f := newFixture()
	foo := f.module(`foo.js`, `1`, ``)
	f.module(`bar.js`, `2`, ``)
	f.entry(`foo`, `foo.js`)
	f.entry(`bar`, `bar.js`)
	cg := f.allocate(t)
	e := emitter(t)

	first, err := e.Emit(context.Background(), f.g, cg)
	require.NoError(t, err)
	assert.Equal(t, []string{`foo`, `bar`}, first.Emitted)

	foo.Unit = &graph.Unit{Outputs: []graph.Output{{Rule: -1, Code: []byte(`3`)}}}
	second, err := e.Reemit(context.Background(), f.g, cg, first, map[string]bool{`foo`: true})
	require.NoError(t, err)
	assert.Equal(t, []string{`foo`}, second.Emitted)
	assert.Same(t, first.Artifact(`bar.js`), second.Artifact(`bar.js`))
	changed := second.Changed(first)
	require.Len(t, changed, 1)
	assert.Equal(t, `foo.js`, changed[0].Name)
}

func TestShellInjection(t *testing.T) {
	page, err := Shell([]byte(`<html><head><title>x</title></head><body><p>hi</p></body></html>`),
		[]string{`/a.css`}, []string{`/a.js`}, false)
	require.NoError(t, err)
	assert.Equal(t, "<html><head><title>x</title><link rel=\"stylesheet\" href=\"/a.css\">\n</head>"+
		"<body><p>hi</p><script src=\"/a.js\"></script>\n</body></html>", string(page))

	page, err = Shell([]byte(`<p>hi</p>`), []string{`/a.css`}, []string{`/a.js`}, false)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p><link rel=\"stylesheet\" href=\"/a.css\">\n<script src=\"/a.js\"></script>\n", string(page))
}

func TestHTMLArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, `/proj/index.html`, []byte("<html>\n<head>\n</head>\n<body>\n</body>\n</html>\n"), 0o644))
	f := newFixture()
	f.module(`shared.js`, `1`, ``)
	f.module(`a.js`, `2`, `.a {}`, `shared.js`)
	f.module(`b.js`, `3`, ``, `shared.js`)
	f.entry(`a`, `a.js`)
	f.entry(`b`, `b.js`)

	e := emitter(t, Fs(fs), HTML(`/proj/index.html`, `index.html`), Hot(`/_pack/hot.js`))
	res, err := e.Emit(context.Background(), f.g, f.allocate(t))
	require.NoError(t, err)
	page := string(res.Artifact(`index.html`).Data)
	assert.Contains(t, page, `<link rel="stylesheet" href="/a.css">`)
	common := strings.Index(page, `src="/common.js"`)
	a := strings.Index(page, `src="/a.js"`)
	hot := strings.Index(page, `src="/_pack/hot.js"`)
	require.True(t, common > 0 && a > 0 && hot > 0)
	assert.Less(t, common, a)
	assert.Less(t, a, hot)
}

func TestMinifyIdempotent(t *testing.T) {
	src := []byte(`
function greet(name) {
  var message = "hello, " + name;
  return message;
}
console.log(greet("world"));
`)
	once, err := MinifyJS(src)
	require.NoError(t, err)
	twice, err := MinifyJS(once)
	require.NoError(t, err)
	assert.Less(t, len(once), len(src))
	assert.LessOrEqual(t, len(twice), len(once))

	css := []byte(".a {\n  color: red;\n}\n\n.b {\n  margin: 0px;\n}\n")
	once, err = MinifyCSS(css)
	require.NoError(t, err)
	twice, err = MinifyCSS(once)
	require.NoError(t, err)
	assert.Less(t, len(once), len(css))
	assert.LessOrEqual(t, len(twice), len(once))

	page := []byte(`<!DOCTYPE html>
<html>
  <head>
    <!-- note -->
    <title>Demo   page</title>
    <style>
      body { margin: 0; }
    </style>
  </head>
  <body>
    <pre>  keep
   this</pre>
  </body>
</html>
`)
	once, err = MinifyHTML(page)
	require.NoError(t, err)
	twice, err = MinifyHTML(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
	assert.NotContains(t, string(once), `note`)
	assert.Contains(t, string(once), "<pre>  keep\n   this</pre>")
	assert.Contains(t, string(once), `<title>Demo page</title>`)
	assert.Contains(t, string(once), `<style>body{margin:0}</style>`)
}

func TestMinifiedChunksStillRegister(t *testing.T) {
	f := newFixture()
	f.module(`a.js`, `var answer = 42; console.log(answer);`, `.a {  color: red;  }`)
	f.entry(`app`, `a.js`)

	res, err := emitter(t, Minify(true, true, true)).Emit(context.Background(), f.g, f.allocate(t))
	require.NoError(t, err)
	js := string(res.Artifact(`app.js`).Data)
	assert.Contains(t, js, `__pack__.define("./a.js"`)
	assert.Contains(t, js, `__pack__.start(["./a.js"])`)
	assert.Less(t, len(js), len(runtime))
	assert.Equal(t, ".a{color:red}\n", string(res.Artifact(`app.css`).Data))
}

func TestManifest(t *testing.T) {
	f := newFixture()
	f.module(`b.js`, `1`, ``)
	f.module(`a.js`, `2`, ``, `b.js`)
	f.entry(`app`, `a.js`)

	res, err := emitter(t, Manifest(true)).Emit(context.Background(), f.g, f.allocate(t))
	require.NoError(t, err)
	var doc ManifestDoc
	require.NoError(t, json.Unmarshal(res.Artifact(ManifestName).Data, &doc))
	assert.Equal(t, []ManifestImport{{Path: `./b.js`, Kind: `import-statement`}}, doc.Inputs[`./a.js`].Imports)
	out := doc.Outputs[`app.js`]
	assert.Equal(t, `./a.js`, out.EntryPoint)
	assert.Equal(t, []string{`./b.js`, `./a.js`}, out.Inputs)
}

func TestWriteReportsEveryFailure(t *testing.T) {
	artifacts := []*Artifact{{Name: `a.js`, Data: []byte(`1`)}, {Name: `b.js`, Data: []byte(`2`)}}
	err := Write(afero.NewReadOnlyFs(afero.NewMemMapFs()), `/dist`, artifacts)
	require.Error(t, err)
	assert.Len(t, report.Entries(report.PhaseEmit, err), 2)

	fs := afero.NewMemMapFs()
	require.NoError(t, Write(fs, `/dist`, artifacts))
	b, err := afero.ReadFile(fs, `/dist/b.js`)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte(`2`), b))
}
