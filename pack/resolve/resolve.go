// Package resolve builds the module graph by following the requests of each module from the configured entries.
//
// A lookup follows the node resolution algorithm: relative requests are resolved against the importer's directory,
// while bare requests are tried against each configured root in order.  A root given as a relative name, such as
// "node_modules", is searched in every ancestor of the importer's directory.  Within a root, the exact path is tried
// first, then each configured extension, then the directory's package.json and index files.
package resolve

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
)

// mainFields are the package.json fields consulted for a directory, in order.
var mainFields = []string{`browser`, `module`, `main`}

// A Resolver loads modules and their dependencies.
type Resolver struct {
	fs         afero.Fs
	context    string
	roots      []string
	extensions []string
	workers    int
	cache      *Cache
}

// An Option configures a Resolver.
type Option func(*Resolver) error

// New returns a resolver for the given build context directory.
func New(context string, options ...Option) (*Resolver, error) {
	r := &Resolver{
		fs:         afero.NewOsFs(),
		context:    context,
		roots:      []string{`node_modules`},
		extensions: []string{`.wasm`, `.mjs`, `.js`, `.json`, `.jsx`},
		workers:    runtime.NumCPU(),
	}
	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}
	if r.cache == nil {
		r.cache = NewCache()
	}
	return r, nil
}

// Fs replaces the file system modules are read from.
func Fs(fs afero.Fs) Option {
	return func(r *Resolver) error {
		r.fs = fs
		return nil
	}
}

// Roots sets the lookup roots for bare requests.
func Roots(roots ...string) Option {
	return func(r *Resolver) error {
		if len(roots) == 0 {
			return errors.New(`at least one resolve root is required`)
		}
		r.roots = roots
		return nil
	}
}

// Extensions sets the extensions tried when a request does not name a file exactly.
func Extensions(extensions ...string) Option {
	return func(r *Resolver) error {
		for _, ext := range extensions {
			if !strings.HasPrefix(ext, `.`) {
				return errors.Errorf(`extension %q must start with "."`, ext)
			}
		}
		r.extensions = extensions
		return nil
	}
}

// Workers limits how many modules are loaded concurrently.
func Workers(n int) Option {
	return func(r *Resolver) error {
		if n < 1 {
			return errors.Errorf(`invalid worker count %d`, n)
		}
		r.workers = n
		return nil
	}
}

// WithCache shares a module cache between resolutions, which is how rebuilds avoid reloading unchanged modules.
func WithCache(c *Cache) Option {
	return func(r *Resolver) error {
		r.cache = c
		return nil
	}
}

// Cache returns the resolver's module cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// An Entry names the requests that root one entry chunk.
type Entry struct {
	Name     string
	Requests []string
}

// Resolve builds the graph reachable from entries.  Every failing request is reported; if any failed, the error is a
// report failure listing all of them and the graph is incomplete.
func (r *Resolver) Resolve(ctx context.Context, entries ...Entry) (*graph.Graph, error) {
	rn := &run{
		Resolver: r,
		ctx:      ctx,
		g:        graph.New(),
		seen:     make(map[*graph.Module]bool),
		sem:      semaphore.NewWeighted(int64(r.workers)),
	}
	for _, entry := range entries {
		ge := graph.Entry{Name: entry.Name}
		for _, request := range entry.Requests {
			path, err := r.find(r.context, request, ``)
			if err != nil {
				rn.errs.Push(err)
				continue
			}
			ge.Modules = append(ge.Modules, rn.enqueue(path))
		}
		rn.g.Entries = append(rn.g.Entries, ge)
	}
	rn.wg.Wait()
	rn.g.Renumber()
	r.cache.Forget(rn.failed...)
	if err := rn.errs.Err(report.PhaseResolve); err != nil {
		return rn.g, err
	}
	if err := verify(rn.g); err != nil {
		return rn.g, err
	}
	hog.From(ctx).Debug().Int(`modules`, len(rn.g.Modules)).Int(`cached`, r.cache.Len()).Msg(`resolved`)
	return rn.g, nil
}

// verify checks that every edge in the graph reached a loaded module.
func verify(g *graph.Graph) error {
	for _, m := range g.Sorted() {
		if m.State == graph.Placeholder {
			return errors.Errorf(`module %s was never loaded`, m.ID)
		}
		for _, ref := range m.Deps {
			if ref == nil || ref.Target == nil || ref.Target.State == graph.Placeholder {
				return errors.Errorf(`module %s has an unresolved dependency`, m.ID)
			}
		}
	}
	return nil
}

// run is the state of a single resolution.
type run struct {
	*Resolver
	ctx  context.Context
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	errs report.List

	lock   sync.Mutex // guards g, seen and failed
	g      *graph.Graph
	seen   map[*graph.Module]bool
	failed []string // forgotten once the run completes, so each is only loaded once per run
}

// enqueue adds the module at path to the graph, scheduling it to be loaded if this is the first time it has been
// seen.  The returned module may still be a placeholder.
func (rn *run) enqueue(path string) *graph.Module {
	rn.lock.Lock()
	m, created := rn.cache.Claim(path)
	if rn.seen[m] {
		rn.lock.Unlock()
		return m
	}
	rn.seen[m] = true
	rn.g.Add(m)
	rn.lock.Unlock()

	rn.wg.Add(1)
	go func() {
		defer rn.wg.Done()
		if created {
			rn.load(m)
		} else {
			rn.revisit(m)
		}
	}()
	return m
}

// load reads a placeholder module, scans its requests and resolves each of them.
func (rn *run) load(m *graph.Module) {
	if err := rn.sem.Acquire(rn.ctx, 1); err != nil {
		rn.fail(m, err)
		return
	}
	content, err := afero.ReadFile(rn.fs, m.ID)
	if err != nil {
		rn.sem.Release(1)
		rn.fail(m, errors.Wrapf(err, `reading %s`, m.ID))
		return
	}
	requests := Scan(m.Ext(), content)
	dir := filepath.Dir(m.ID)
	paths := make([]string, len(requests))
	ok := true
	for i, req := range requests {
		path, err := rn.lookup(dir, styleSpecifier(req), m.ID)
		if err != nil {
			rn.errs.Push(err)
			ok = false
			continue
		}
		paths[i] = path
	}
	rn.sem.Release(1)

	m.Name = rn.nameOf(m.ID)
	if !ok {
		// The importer must be reloaded once the missing file appears.
		rn.forget(m)
		m.Fill(content, requests)
		return
	}
	deps := make([]*graph.Ref, len(requests))
	for i, req := range requests {
		deps[i] = &graph.Ref{Request: req, Target: rn.enqueue(paths[i])}
	}
	m.Deps = deps
	m.Fill(content, requests)
}

// revisit walks a module loaded by an earlier resolution so its dependencies join this graph.  A dependency that has
// been forgotten since may have been removed or replaced by another candidate, so its request is looked up again and
// the edge is repointed at whatever it resolves to now.
func (rn *run) revisit(m *graph.Module) {
	<-m.Ready()
	dir := filepath.Dir(m.ID)
	for _, ref := range m.Deps {
		path := ref.Target.ID
		if _, ok := rn.cache.Module(path); !ok {
			found, err := rn.lookup(dir, styleSpecifier(ref.Request), m.ID)
			if err != nil {
				// The importer must be reloaded once the missing file appears.
				rn.errs.Push(err)
				rn.forget(m)
				continue
			}
			path = found
		}
		ref.Target = rn.enqueue(path)
	}
}

func (rn *run) fail(m *graph.Module, err error) {
	rn.errs.Push(err)
	rn.forget(m)
	m.Name = rn.nameOf(m.ID)
	m.Fill(nil, nil)
}

func (rn *run) forget(m *graph.Module) {
	rn.lock.Lock()
	rn.failed = append(rn.failed, m.ID)
	rn.lock.Unlock()
}

// nameOf returns the module id relative to the build context, in the "./path" form used in output.
func (r *Resolver) nameOf(id string) string {
	rel, err := filepath.Rel(r.context, id)
	if err != nil || strings.HasPrefix(rel, `..`) {
		return filepath.ToSlash(id)
	}
	return `./` + filepath.ToSlash(rel)
}

// lookup resolves request from dir, memoized by the cache.
func (r *Resolver) lookup(dir, request, from string) (string, error) {
	return r.cache.lookup(dir, request, func() (string, error) {
		return r.find(dir, request, from)
	})
}

func (r *Resolver) find(dir, request, from string) (string, error) {
	spec := request
	if i := strings.IndexAny(spec, `?#`); i > 0 {
		spec = spec[:i]
	}
	var tried []string
	if relative(spec) {
		base := spec
		if !filepath.IsAbs(base) {
			base = filepath.Join(dir, base)
		}
		if path, ok := r.tryPath(base, &tried); ok {
			return path, nil
		}
		return ``, &report.ResolutionError{Request: request, From: from, Tried: tried}
	}
	for _, root := range r.roots {
		if filepath.IsAbs(root) {
			if path, ok := r.tryPath(filepath.Join(root, spec), &tried); ok {
				return path, nil
			}
			continue
		}
		for d := dir; ; {
			if path, ok := r.tryPath(filepath.Join(d, root, spec), &tried); ok {
				return path, nil
			}
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}
	return ``, &report.ResolutionError{Request: request, From: from, Tried: tried}
}

// styleSpecifier adjusts stylesheet references, which are relative unless prefixed with "~".
func styleSpecifier(req graph.Request) string {
	spec := req.Specifier
	switch {
	case req.Kind == graph.ImportRequest:
		return spec
	case strings.HasPrefix(spec, `~`):
		return spec[1:]
	case relative(spec):
		return spec
	}
	return `./` + spec
}

func relative(spec string) bool {
	return spec == `.` || spec == `..` ||
		strings.HasPrefix(spec, `./`) || strings.HasPrefix(spec, `../`) ||
		filepath.IsAbs(spec)
}

// tryPath tries path as a file, then with each extension, then as a directory.
func (r *Resolver) tryPath(path string, tried *[]string) (string, bool) {
	if p, ok := r.tryFile(path, tried); ok {
		return p, true
	}
	if !r.isDir(path) {
		return ``, false
	}
	pkg, err := afero.ReadFile(r.fs, filepath.Join(path, `package.json`))
	if err == nil {
		for _, field := range mainFields {
			main := gjson.GetBytes(pkg, field)
			if main.Type != gjson.String || main.Str == `` {
				continue
			}
			if p, ok := r.tryFile(filepath.Join(path, main.Str), tried); ok {
				return p, true
			}
			if p, ok := r.tryFile(filepath.Join(path, main.Str, `index`), tried); ok {
				return p, true
			}
		}
	}
	return r.tryFile(filepath.Join(path, `index`), tried)
}

// tryFile tries path exactly, then with each extension appended.
func (r *Resolver) tryFile(path string, tried *[]string) (string, bool) {
	*tried = append(*tried, path)
	if r.isFile(path) {
		return path, true
	}
	for _, ext := range r.extensions {
		*tried = append(*tried, path+ext)
		if r.isFile(path + ext) {
			return path + ext, true
		}
	}
	return ``, false
}

func (r *Resolver) isFile(path string) bool {
	st, err := r.fs.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func (r *Resolver) isDir(path string) bool {
	st, err := r.fs.Stat(path)
	return err == nil && st.IsDir()
}
