// Package build runs the pipeline from configuration to written artifacts: resolve, transform, allocate, emit and
// write.
//
// A Builder keeps the module cache and the result of its last build, so a rebuild after a file change reloads only
// the changed files, transforms only the modules that were reloaded or newly discovered, and re-emits only the chunks
// holding a changed module or one of its ancestors.
package build

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/cache"
	"github.com/swdunlop/pack-go/pack/chunk"
	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/emit"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/resolve"
	"github.com/swdunlop/pack-go/pack/transform"
)

// New validates cfg and prepares a builder.  Configuration warnings are logged to the context logger.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Builder, error) {
	b := &Builder{cfg: cfg, src: afero.NewOsFs(), out: afero.NewOsFs()}
	for _, option := range options {
		if err := option(b); err != nil {
			return nil, err
		}
	}
	if b.store == nil && cfg.Transform.Cache != `` {
		b.store = cache.New(b.src, cfg.Transform.Cache)
	}

	pipeOptions := []transform.Option{transform.Configure(cfg)}
	emitOptions := []emit.Option{emit.Configure(cfg), emit.Fs(b.src)}
	if b.hotClient != `` {
		pipeOptions = append(pipeOptions, transform.Mode(transform.RuntimeInjected))
		emitOptions = append(emitOptions, emit.Hot(b.hotClient))
	}
	if b.store != nil {
		pipeOptions = append(pipeOptions, transform.WithStore(b.store))
	}
	var err error
	b.pipeline, err = transform.New(pipeOptions...)
	if err != nil {
		return nil, err
	}
	warnings, err := cfg.Validate(b.pipeline.Known)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		hog.From(ctx).Warn().Str(`code`, w.Code).Ints(`rules`, w.Rules).Msg(w.Message)
	}
	b.Warnings = warnings

	b.resolver, err = resolve.New(cfg.Context,
		resolve.Fs(b.src),
		resolve.Roots(cfg.Resolve.Modules...),
		resolve.Extensions(cfg.Resolve.Extensions...),
		resolve.Workers(cfg.Transform.Workers),
	)
	if err != nil {
		return nil, err
	}
	b.rules, err = chunk.CompileRules(cfg)
	if err != nil {
		return nil, err
	}
	b.emitter, err = emit.New(emitOptions...)
	if err != nil {
		return nil, err
	}
	for _, entry := range cfg.Entries {
		b.entries = append(b.entries, resolve.Entry{Name: entry.Name, Requests: entry.Modules})
	}
	return b, nil
}

// Option configures a Builder.
type Option func(*Builder) error

// Fs sets the file system sources, templates and the transform cache are read from.
func Fs(fs afero.Fs) Option {
	return func(b *Builder) error { b.src = fs; return nil }
}

// Output sets the file system artifacts are written to.
func Output(fs afero.Fs) Option {
	return func(b *Builder) error { b.out = fs; return nil }
}

// Hot builds for hot updates: extracted stylesheets are injected by the runtime instead and the HTML shell loads the
// hot client from url.
func Hot(url string) Option {
	return func(b *Builder) error { b.hotClient = url; return nil }
}

// Store overrides the persistent transform cache named by the configuration.
func Store(store transform.Store) Option {
	return func(b *Builder) error { b.store = store; return nil }
}

// A Builder builds one configuration, repeatedly.
type Builder struct {
	cfg       *config.Config
	src, out  afero.Fs
	hotClient string
	store     transform.Store
	resolver  *resolve.Resolver
	pipeline  *transform.Pipeline
	rules     []*chunk.Rule
	emitter   *emit.Emitter
	entries   []resolve.Entry

	// Warnings are the configuration warnings found by New.
	Warnings []config.Warning

	lock   sync.Mutex // serializes builds
	epoch  int
	last   *Result // last successful build
	broken bool    // the most recent build failed
}

// A Result describes one build.
type Result struct {
	Epoch       int
	Graph       *graph.Graph
	Chunks      *chunk.Graph
	Output      *emit.Result
	Transformed []string // ids of the modules transformed by this build
	Written     []string // names of the artifacts written by this build
	Updates     []Update // for rebuilds, the modules to push to hot clients
}

// An Update is the payload of a hot update for one module.
type Update struct {
	Module string // module name, as registered with the runtime
	Code   []byte // a runtime registration of the new module
	New    bool   // the module was not part of the previous build
}

// Config returns the builder's configuration.
func (b *Builder) Config() *config.Config { return b.cfg }

// Hot reports whether the builder produces hot builds.
func (b *Builder) Hot() bool { return b.hotClient != `` }

// Last returns the last successful build, or nil.
func (b *Builder) Last() *Result {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.last
}

// Build runs a complete build.  Modules loaded by earlier builds that have not been invalidated are reused.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.build(ctx, nil)
}

// Rebuild reacts to changed files.  Paths that do not map to a module of the last build are ignored, and if none do,
// Rebuild returns a nil result.  After a failed build every path triggers a rebuild, since the change may supply a
// missing file.
func (b *Builder) Rebuild(ctx context.Context, paths ...string) (*Result, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	var changed []string
	for _, path := range paths {
		path = b.abs(path)
		if b.owns(path) {
			changed = append(changed, path)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return b.build(ctx, changed)
}

// Owns reports whether a change to path would cause a rebuild.
func (b *Builder) Owns(path string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.owns(b.abs(path))
}

func (b *Builder) owns(path string) bool {
	return b.broken || b.last == nil || b.last.Graph.Get(path) != nil
}

func (b *Builder) abs(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.cfg.Context, path)
	}
	return filepath.Clean(path)
}

func (b *Builder) build(ctx context.Context, changed []string) (*Result, error) {
	started := time.Now()
	b.epoch++
	res := &Result{Epoch: b.epoch}
	log := hog.From(ctx).With().Int(`epoch`, res.Epoch).Logger()
	prev := b.last
	if b.broken {
		prev = nil
	}
	b.broken = true // until proven otherwise

	b.resolver.Cache().Forget(changed...)
	b.forgetRemoved(ctx, changed)
	g, err := b.resolver.Resolve(ctx, b.entries...)
	if err != nil {
		return res, err
	}
	res.Graph = g

	var pending []*graph.Module
	for _, m := range g.Sorted() {
		if m.Unit == nil {
			pending = append(pending, m)
			res.Transformed = append(res.Transformed, m.ID)
		}
	}
	if err := b.pipeline.TransformAll(ctx, pending); err != nil {
		return res, err
	}

	cg, err := chunk.Allocate(g, b.rules)
	if err != nil {
		return res, err
	}
	res.Chunks = cg

	var previous *emit.Result
	if prev == nil {
		res.Output, err = b.emitter.Emit(ctx, g, cg)
	} else {
		previous = prev.Output
		res.Output, err = b.emitter.Reemit(ctx, g, cg, prev.Output, dirtyChunks(prev, res, pending))
	}
	if err != nil {
		return res, err
	}

	written := res.Output.Changed(previous)
	if err := emit.Write(b.out, b.cfg.Output.Path, written); err != nil {
		return res, err
	}
	for _, a := range written {
		res.Written = append(res.Written, a.Name)
	}
	for _, m := range g.Sorted() {
		m.State = graph.Finalized
	}
	if prev != nil {
		res.Updates, err = updates(prev, g, pending)
		if err != nil {
			return res, err
		}
	}

	b.last, b.broken = res, false
	log.Info().
		Int(`modules`, len(g.Modules)).
		Int(`transformed`, len(res.Transformed)).
		Strs(`emitted`, res.Output.Emitted).
		Int(`written`, len(res.Written)).
		Dur(`elapsed`, time.Since(started)).
		Msg(`build complete`)
	return res, nil
}

// forgetRemoved drops the persisted units of changed files that no longer exist.
func (b *Builder) forgetRemoved(ctx context.Context, changed []string) {
	if b.store == nil {
		return
	}
	for _, path := range changed {
		if ok, _ := afero.Exists(b.src, path); ok {
			continue
		}
		if err := b.store.Forget(path); err != nil {
			hog.From(ctx).Warn().Err(err).Str(`module`, path).Msg(`could not forget cached unit`)
		}
	}
}

// dirtyChunks returns the chunks that hold a reloaded module or one of its ancestors, plus any chunk whose membership
// changed since the previous build.
func dirtyChunks(prev, res *Result, pending []*graph.Module) map[string]bool {
	dirty := make(map[string]bool)
	ids := make([]string, len(pending))
	for i, m := range pending {
		ids[i] = m.ID
	}
	for id := range res.Graph.Ancestors(ids...) {
		if c := res.Chunks.Owner(res.Graph.Get(id)); c != nil {
			dirty[c.Name] = true
		}
	}
	before := make(map[string]string, len(prev.Chunks.Chunks))
	for _, c := range prev.Chunks.Chunks {
		before[c.Name] = membership(c)
	}
	for _, c := range res.Chunks.Chunks {
		if before[c.Name] != membership(c) {
			dirty[c.Name] = true
		}
	}
	return dirty
}

func membership(c *chunk.Chunk) string {
	var sb strings.Builder
	if c.Initial() {
		sb.WriteString("initial\n")
	}
	for _, m := range c.Modules() {
		sb.WriteString(m.ID)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// updates renders hot update payloads for the reloaded modules, dependencies first.
func updates(prev *Result, g *graph.Graph, pending []*graph.Module) ([]Update, error) {
	urlOf := func(id string) string {
		if m := g.Get(id); m != nil && m.Unit != nil {
			return m.Unit.URL
		}
		return ``
	}
	var seq []Update
	for _, m := range graph.Order(pending) {
		code, err := emit.Define(m, urlOf)
		if err != nil {
			return nil, err
		}
		name := m.Name
		if name == `` {
			name = m.ID
		}
		seq = append(seq, Update{Module: name, Code: code, New: prev.Graph.Get(m.ID) == nil})
	}
	return seq, nil
}
