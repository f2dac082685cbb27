// Package www serves the build output directory.  Every file carries an entity tag derived from its content, so a
// browser revalidating after a rebuild gets the new file and otherwise gets 304 Not Modified.
package www

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/devserver"
)

// Dev returns a dev server option that serves dir from fs at the root of the server.
func Dev(fs afero.Fs, dir string) devserver.Option {
	return func(d *devserver.Config) error {
		d.Hook(New(fs, dir))
		return nil
	}
}

// New returns a handler serving dir from fs.
func New(fs afero.Fs, dir string) *Handler {
	return &Handler{fs: fs, dir: dir, tags: make(map[string]tag)}
}

// A Handler serves files with content entity tags.
type Handler struct {
	fs  afero.Fs
	dir string

	lock sync.Mutex
	tags map[string]tag
}

// tag caches a file's entity tag until its size or modification time changes.
type tag struct {
	size    int64
	modTime time.Time
	etag    string
}

// PackMux registers the handler as the server's fallback route.
func (h *Handler) PackMux(mux *http.ServeMux) {
	mux.Handle(`GET /`, h)
}

// DependsOn places the handler after hooks providing the build output.
func (h *Handler) DependsOn() []string { return []string{`build`} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean(`/` + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, `/`) {
		name = path.Join(name, `index.html`)
	}
	file, info, err := h.open(name)
	if err == nil && info.IsDir() {
		_ = file.Close()
		name = path.Join(name, `index.html`)
		file, info, err = h.open(name)
	}
	switch {
	case os.IsNotExist(err):
		http.NotFound(w, r)
		return
	case err != nil:
		hog.For(r).Error().Err(err).Str(`path`, name).Msg(`could not open output file`)
		http.Error(w, `internal server error`, http.StatusInternalServerError)
		return
	}
	defer file.Close()

	etag, err := h.etag(name, info, file)
	if err != nil {
		hog.For(r).Error().Err(err).Str(`path`, name).Msg(`could not hash output file`)
		http.Error(w, `internal server error`, http.StatusInternalServerError)
		return
	}
	w.Header().Set(`ETag`, etag)
	w.Header().Set(`Cache-Control`, `no-cache`)
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (h *Handler) open(name string) (afero.File, os.FileInfo, error) {
	file, err := h.fs.Open(filepath.Join(h.dir, filepath.FromSlash(name)))
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return file, info, nil
}

func (h *Handler) etag(name string, info os.FileInfo, file io.ReadSeeker) (string, error) {
	h.lock.Lock()
	cached, ok := h.tags[name]
	h.lock.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.etag, nil
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, file); err != nil {
		return ``, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return ``, err
	}
	etag := fmt.Sprintf(`"%016x"`, digest.Sum64())
	h.lock.Lock()
	h.tags[name] = tag{size: info.Size(), modTime: info.ModTime(), etag: etag}
	h.lock.Unlock()
	return etag, nil
}
