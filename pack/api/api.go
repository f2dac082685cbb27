// Package api registers extra HTTP handlers on the dev server, such as a mock backend for the application under
// development.
package api

import (
	"io/fs"
	"net/http"

	"github.com/swdunlop/pack-go/pack/devserver"
)

// Dev returns a dev server option that serves the handlers configured by options.
func Dev(options ...Option) devserver.Option {
	return func(d *devserver.Config) error {
		var cfg config
		for _, option := range options {
			if err := option(&cfg); err != nil {
				return err
			}
		}
		d.Hook(&cfg)
		return nil
	}
}

// An Option adds handlers or middleware.
type Option func(*config) error

// FS returns an option that serves the given file system at each of the given patterns.
func FS(filesystem fs.FS, patterns ...string) Option {
	return func(cfg *config) error {
		handler := http.FileServer(http.FS(filesystem))
		for _, pattern := range patterns {
			cfg.add(pattern, handler)
		}
		return nil
	}
}

// Use returns an option that applies middleware to every handler added after it.  The earliest middleware added is
// the outermost layer and runs first.
func Use(fn func(http.Handler) http.Handler) Option {
	return func(cfg *config) error {
		cfg.middleware = append(cfg.middleware, fn)
		return nil
	}
}

// HandleFunc accepts a http.ServeMux pattern and a handler function.
func HandleFunc(pattern string, fn func(w http.ResponseWriter, r *http.Request)) Option {
	return Handle(pattern, http.HandlerFunc(fn))
}

// Handle accepts a http.ServeMux pattern and a http.Handler.
func Handle(pattern string, handler http.Handler) Option {
	return func(cfg *config) error {
		cfg.add(pattern, handler)
		return nil
	}
}

// Group applies options so that middleware added inside the group does not affect handlers added outside it.
func Group(options ...Option) Option {
	return func(cfg *config) error {
		middleware := cfg.middleware
		defer func() { cfg.middleware = middleware }()
		for _, option := range options {
			if err := option(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

type config struct {
	middleware []func(http.Handler) http.Handler
	routes     []route
}

type route struct {
	pattern string
	handler http.Handler
}

func (cfg *config) add(pattern string, handler http.Handler) {
	for i := len(cfg.middleware) - 1; i >= 0; i-- {
		handler = cfg.middleware[i](handler)
	}
	cfg.routes = append(cfg.routes, route{pattern, handler})
}

// PackMux adds the configured handlers to mux.
func (cfg *config) PackMux(mux *http.ServeMux) {
	for _, it := range cfg.routes {
		mux.Handle(it.pattern, it.handler)
	}
}
