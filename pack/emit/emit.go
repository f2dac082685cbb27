// Package emit turns an allocated chunk graph into artifacts: one script and one stylesheet per chunk, the side assets
// produced by plugins, an optional HTML shell and an optional manifest.
//
// Chunk scripts register their modules with a small runtime (see runtime.go) instead of concatenating them into one
// scope, so modules keep private scopes and the dev server can replace a single module in a running page.
package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/chunk"
	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
)

// New constructs an emitter.  Without options it names scripts "[name].js" and stylesheets "[name].css", serves
// them from "/" and neither minifies nor produces an HTML shell.
func New(options ...Option) (*Emitter, error) {
	e := &Emitter{
		scriptTemplate:     `[name].js`,
		stylesheetTemplate: `[name].css`,
		publicPath:         `/`,
		fs:                 afero.NewOsFs(),
	}
	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Option configures an emitter.
type Option func(*Emitter) error

// Configure applies the output, minify and html blocks of a configuration.
func Configure(cfg *config.Config) Option {
	return func(e *Emitter) error {
		e.scriptTemplate = cfg.Output.Filename
		e.stylesheetTemplate = cfg.Output.CSSFilename
		e.publicPath = cfg.Output.PublicPath
		e.manifest = cfg.Output.Manifest
		e.minifyJS, e.minifyCSS, e.minifyHTML = cfg.MinifyJS(), cfg.MinifyCSS(), cfg.MinifyHTML()
		if cfg.HTML != nil {
			e.html = true
			e.htmlTemplate = cfg.HTML.Template
			e.htmlFilename = cfg.HTML.Filename
		}
		return nil
	}
}

// Templates overrides the script and stylesheet file name templates.
func Templates(script, stylesheet string) Option {
	return func(e *Emitter) error {
		if script == `` || stylesheet == `` {
			return fmt.Errorf(`emit: empty file name template`)
		}
		e.scriptTemplate, e.stylesheetTemplate = script, stylesheet
		return nil
	}
}

// PublicPath sets the URL prefix artifacts are served from.
func PublicPath(prefix string) Option {
	return func(e *Emitter) error { e.publicPath = prefix; return nil }
}

// Minify toggles minification of chunk scripts, chunk stylesheets and the HTML shell.
func Minify(js, css, html bool) Option {
	return func(e *Emitter) error { e.minifyJS, e.minifyCSS, e.minifyHTML = js, css, html; return nil }
}

// HTML enables the HTML shell.  An empty template uses a minimal built-in page.
func HTML(template, filename string) Option {
	return func(e *Emitter) error {
		if filename == `` {
			filename = `index.html`
		}
		e.html, e.htmlTemplate, e.htmlFilename = true, template, filename
		return nil
	}
}

// Hot injects the hot update client, served from url, into the HTML shell.
func Hot(url string) Option {
	return func(e *Emitter) error { e.hotClient = url; return nil }
}

// Manifest toggles the manifest.json artifact.
func Manifest(ok bool) Option {
	return func(e *Emitter) error { e.manifest = ok; return nil }
}

// Fs sets the file system the HTML template is read from.
func Fs(fs afero.Fs) Option {
	return func(e *Emitter) error { e.fs = fs; return nil }
}

// An Emitter produces artifacts from chunk graphs.
type Emitter struct {
	scriptTemplate, stylesheetTemplate, publicPath string
	minifyJS, minifyCSS, minifyHTML                bool
	html                                           bool
	htmlTemplate, htmlFilename                     string
	hotClient                                      string
	manifest                                       bool
	fs                                             afero.Fs
}

// Kind classifies artifacts.
type Kind int

const (
	ScriptArtifact Kind = iota
	StylesheetArtifact
	AssetArtifact
	HTMLArtifact
	ManifestArtifact
)

func (k Kind) String() string {
	switch k {
	case ScriptArtifact:
		return `script`
	case StylesheetArtifact:
		return `stylesheet`
	case AssetArtifact:
		return `asset`
	case HTMLArtifact:
		return `html`
	case ManifestArtifact:
		return `manifest`
	}
	return `unknown`
}

// An Artifact is one output file.
type Artifact struct {
	Name    string
	Kind    Kind
	Chunk   string   // originating chunk, empty for assets, html and manifest
	Modules []string // contributing module ids
	Data    []byte
}

// URL returns the public URL of the artifact.
func (e *Emitter) URL(name string) string {
	if strings.HasSuffix(e.publicPath, `/`) {
		return e.publicPath + name
	}
	return path.Join(e.publicPath, name)
}

// A Result is the output of one emit pass.
type Result struct {
	Artifacts []*Artifact
	Hash      string   // build hash, substituted for [hash]
	Emitted   []string // chunks whose artifacts were produced by this pass rather than carried over
}

// Artifact returns the named artifact, or nil.
func (r *Result) Artifact(name string) *Artifact {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Chunk returns the artifacts produced for a chunk.
func (r *Result) Chunk(name string) []*Artifact {
	var seq []*Artifact
	for _, a := range r.Artifacts {
		if a.Chunk == name && name != `` {
			seq = append(seq, a)
		}
	}
	return seq
}

// Changed returns the artifacts that are new or differ from those in prev.
func (r *Result) Changed(prev *Result) []*Artifact {
	if prev == nil {
		return r.Artifacts
	}
	var seq []*Artifact
	for _, a := range r.Artifacts {
		old := prev.Artifact(a.Name)
		if old == a || (old != nil && bytes.Equal(old.Data, a.Data)) {
			continue
		}
		seq = append(seq, a)
	}
	return seq
}

// Emit produces every artifact for cg.  Modules must have been transformed.
func (e *Emitter) Emit(ctx context.Context, g *graph.Graph, cg *chunk.Graph) (*Result, error) {
	return e.emit(ctx, g, cg, nil, nil)
}

// Reemit produces artifacts for the chunks in dirty and carries over the artifacts prev holds for every other chunk.
// Chunks are re-emitted anyway when their names depend on the build hash and it changed, or when they refer to
// async chunks that were renamed.
func (e *Emitter) Reemit(ctx context.Context, g *graph.Graph, cg *chunk.Graph, prev *Result, dirty map[string]bool) (*Result, error) {
	return e.emit(ctx, g, cg, prev, dirty)
}

type pass struct {
	*Emitter
	g      *graph.Graph
	cg     *chunk.Graph
	prev   *Result
	dirty  map[string]bool
	res    *Result
	errs   report.List
	files  map[string][2]string // chunk -> script and stylesheet artifact names, empty if not emitted
	names  map[string]string    // artifact name -> origin, to detect collisions
	rename bool                 // async chunk names changed since prev
}

func (e *Emitter) emit(ctx context.Context, g *graph.Graph, cg *chunk.Graph, prev *Result, dirty map[string]bool) (*Result, error) {
	ps := &pass{
		Emitter: e, g: g, cg: cg, prev: prev, dirty: dirty,
		res:   &Result{Hash: buildHash(g)},
		files: make(map[string][2]string),
		names: make(map[string]string),
	}
	if ps.prev != nil && ps.prev.Hash != ps.res.Hash && ps.usesBuildHash() {
		ps.prev = nil
	}
	// async chunks first, initial chunks embed their file names
	for _, c := range cg.Chunks {
		if !c.Initial() {
			ps.chunk(c)
		}
	}
	for _, c := range cg.Chunks {
		if c.Initial() {
			ps.chunk(c)
		}
	}
	ps.assets()
	if e.html {
		ps.shell()
	}
	if e.manifest {
		ps.manifestArtifact()
	}
	if err := ps.errs.Err(report.PhaseEmit); err != nil {
		return ps.res, err
	}
	hog.From(ctx).Debug().Int(`artifacts`, len(ps.res.Artifacts)).Strs(`emitted`, ps.res.Emitted).Msg(`emitted`)
	return ps.res, nil
}

func (ps *pass) usesBuildHash() bool {
	return strings.Contains(ps.scriptTemplate, `[hash`) || strings.Contains(ps.stylesheetTemplate, `[hash`)
}

// buildHash covers the code of every module, so it changes whenever any output would.
func buildHash(g *graph.Graph) string {
	var seq [][]byte
	for _, m := range g.Sorted() {
		seq = append(seq, []byte(m.ID))
		if m.Unit == nil {
			continue
		}
		for _, out := range m.Unit.Outputs {
			seq = append(seq, out.Code)
		}
		seq = append(seq, []byte(m.Unit.URL))
	}
	return Hash(seq...)
}

func (ps *pass) add(a *Artifact) {
	origin := a.Chunk
	if origin == `` && len(a.Modules) > 0 {
		origin = a.Modules[0]
	}
	if prev, dup := ps.names[a.Name]; dup {
		ps.errs.Push(&report.EmitError{Artifact: a.Name, Err: fmt.Errorf(`name produced by both %s and %s`, prev, origin)})
		return
	}
	ps.names[a.Name] = origin
	ps.res.Artifacts = append(ps.res.Artifacts, a)
}

// carry reuses the previous artifacts of a clean chunk, reporting whether it could.
func (ps *pass) carry(c *chunk.Chunk) bool {
	if ps.prev == nil || ps.dirty[c.Name] || (c.Initial() && ps.rename) {
		return false
	}
	old := ps.prev.Chunk(c.Name)
	if len(old) == 0 {
		return false
	}
	var files [2]string
	for _, a := range old {
		ps.add(a)
		if a.Kind == ScriptArtifact {
			files[0] = a.Name
		} else {
			files[1] = a.Name
		}
	}
	ps.files[c.Name] = files
	return true
}

func (ps *pass) chunk(c *chunk.Chunk) {
	if ps.carry(c) {
		return
	}
	ps.res.Emitted = append(ps.res.Emitted, c.Name)
	mods := graph.Order(c.Modules())
	ids := make([]string, len(mods))
	for i, m := range mods {
		ids[i] = m.ID
	}
	var files [2]string

	script, err := ps.script(c, mods)
	if err == nil && ps.minifyJS {
		script, err = MinifyJS(script)
	}
	if err != nil {
		ps.errs.Push(&report.EmitError{Artifact: c.Name, Err: err})
	} else {
		files[0] = ps.name(ps.scriptTemplate, c.Name, `js`, script)
		ps.add(&Artifact{Name: files[0], Kind: ScriptArtifact, Chunk: c.Name, Modules: ids, Data: script})
	}

	css, err := ps.stylesheet(mods)
	if err == nil && ps.minifyCSS && len(css) > 0 {
		css, err = MinifyCSS(css)
	}
	if err != nil {
		ps.errs.Push(&report.EmitError{Artifact: c.Name, Err: err})
	} else if len(css) > 0 {
		files[1] = ps.name(ps.stylesheetTemplate, c.Name, `css`, css)
		ps.add(&Artifact{Name: files[1], Kind: StylesheetArtifact, Chunk: c.Name, Modules: ids, Data: css})
	}

	if !c.Initial() && ps.prev != nil {
		for _, a := range ps.prev.Chunk(c.Name) {
			if a.Name != files[0] && a.Name != files[1] {
				ps.rename = true
			}
		}
	}
	ps.files[c.Name] = files
}

func (ps *pass) name(template, chunkName, ext string, data []byte) string {
	return Filename(template, Fields{Name: chunkName, ID: chunkName, Ext: ext, Hash: ps.res.Hash, ContentHash: Hash(data)})
}

// moduleName is the name a module is registered under in the runtime.
func moduleName(m *graph.Module) string {
	if m.Name != `` {
		return m.Name
	}
	return m.ID
}

// url resolves an asset placeholder.
func (ps *pass) url(id string) string {
	m := ps.g.Get(id)
	if m == nil || m.Unit == nil {
		return ``
	}
	return m.Unit.URL
}

func (ps *pass) script(c *chunk.Chunk, mods []*graph.Module) ([]byte, error) {
	var buf bytes.Buffer
	if c.Initial() {
		buf.WriteString(runtime)
	}
	if c.Entry {
		if async := ps.asyncFiles(); len(async) > 0 {
			js, _ := json.Marshal(async)
			fmt.Fprintf(&buf, "__pack__.chunks(%s);\n", js)
		}
	}
	for _, m := range mods {
		if err := ps.define(&buf, m); err != nil {
			return nil, err
		}
	}
	if c.Entry && len(c.Roots) > 0 {
		roots := make([]string, len(c.Roots))
		for i, m := range c.Roots {
			roots[i] = moduleName(m)
		}
		js, _ := json.Marshal(roots)
		fmt.Fprintf(&buf, "__pack__.start(%s);\n", js)
	}
	return buf.Bytes(), nil
}

// Define renders the registration of a single module, which is also the payload of a hot update.
func Define(m *graph.Module, urlOf func(id string) string) ([]byte, error) {
	var buf bytes.Buffer
	if err := define(&buf, m, urlOf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ps *pass) define(buf *bytes.Buffer, m *graph.Module) error {
	return define(buf, m, ps.url)
}

func define(buf *bytes.Buffer, m *graph.Module, urlOf func(string) string) error {
	if m.Unit == nil {
		return errors.Errorf(`%s has not been transformed`, m.ID)
	}
	deps := make(map[string]string, len(m.Deps))
	for _, ref := range m.Deps {
		if ref != nil && ref.Target != nil {
			deps[ref.Specifier] = moduleName(ref.Target)
		}
	}
	name, _ := json.Marshal(moduleName(m))
	depJS, _ := json.Marshal(deps)
	fmt.Fprintf(buf, "__pack__.define(%s, %s, function (module, exports, require, __pack_import__) {\n", name, depJS)
	for _, out := range m.Unit.Scripts() {
		buf.Write(graph.ReplaceURLPlaceholders(out.Code, urlOf))
		if len(out.Code) > 0 && out.Code[len(out.Code)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("});\n")
	return nil
}

// asyncFiles maps each module of a non-initial chunk to the files that must be loaded before it can run: its own chunk
// and every other non-initial chunk holding one of its synchronous dependencies.
func (ps *pass) asyncFiles() map[string][]string {
	files := make(map[string][]string)
	for _, c := range ps.cg.Chunks {
		if c.Initial() {
			continue
		}
		for _, m := range c.Modules() {
			var urls []string
			seen := make(map[*chunk.Chunk]bool)
			for _, dep := range graph.Reachable(true, m) {
				owner := ps.cg.Owner(dep)
				if owner == nil || owner.Initial() || seen[owner] {
					continue
				}
				seen[owner] = true
				for _, name := range ps.files[owner.Name] {
					if name != `` {
						urls = append(urls, ps.URL(name))
					}
				}
			}
			files[moduleName(m)] = urls
		}
	}
	return files
}

func (ps *pass) stylesheet(mods []*graph.Module) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range mods {
		if m.Unit == nil {
			return nil, errors.Errorf(`%s has not been transformed`, m.ID)
		}
		for _, out := range m.Unit.Stylesheets() {
			buf.Write(graph.ReplaceURLPlaceholders(out.Code, ps.url))
			if len(out.Code) > 0 && out.Code[len(out.Code)-1] != '\n' {
				buf.WriteByte('\n')
			}
		}
	}
	return buf.Bytes(), nil
}

// assets adds the side artifacts of every module owned by a chunk.  Identical assets emitted by several modules are
// written once.
func (ps *pass) assets() {
	for _, c := range ps.cg.Chunks {
		for _, m := range c.Modules() {
			for _, asset := range m.Unit.Assets() {
				if prev := ps.res.Artifact(asset.Name); prev != nil && prev.Kind == AssetArtifact && bytes.Equal(prev.Data, asset.Data) {
					prev.Modules = append(prev.Modules, m.ID)
					continue
				}
				ps.add(&Artifact{Name: asset.Name, Kind: AssetArtifact, Modules: []string{m.ID}, Data: asset.Data})
			}
		}
	}
}

// Write writes artifacts under dir.  A failed artifact does not stop the others; every failure is reported.
func Write(fs afero.Fs, dir string, artifacts []*Artifact) error {
	var errs report.List
	for _, a := range artifacts {
		target := filepath.Join(dir, filepath.FromSlash(a.Name))
		if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			errs.Push(&report.EmitError{Artifact: a.Name, Err: err})
			continue
		}
		if err := afero.WriteFile(fs, target, a.Data, 0o644); err != nil {
			errs.Push(&report.EmitError{Artifact: a.Name, Err: err})
		}
	}
	return errs.Err(report.PhaseEmit)
}
