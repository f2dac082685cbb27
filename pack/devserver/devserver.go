// Package devserver manages a configuration of hooks rigged together into an HTTP server that serves build output,
// hot updates and any extra handlers while the watch controller rebuilds in the background.
package devserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/hook"
	"golang.org/x/sync/errgroup"
)

// DefaultAddress is used when no hook supplies a listener.
const DefaultAddress = `localhost:8080`

// New returns a new dev server configuration.
func New(options ...Option) (*Config, error) {
	cfg := &Config{address: DefaultAddress}
	err := cfg.Apply(options...)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// A Config is a dev server configuration.
type Config struct {
	address string
	serving bool  // true while Serve runs
	hooks   []any // hooks to apply, see the hook package
	done    <-chan struct{}
}

// An Option is a function that modifies a Config before it is served.
type Option func(*Config) error

// Apply applies options to the config; it fails while the server is running.
func (cfg *Config) Apply(options ...Option) error {
	if cfg.serving {
		return errors.New(`cannot apply options while a dev server is running`)
	}
	for _, option := range options {
		err := option(cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// Address sets the TCP address used when no hook supplies a listener.
func Address(address string) Option {
	return func(cfg *Config) error {
		cfg.address = address
		return nil
	}
}

// Hook returns an option that adds hooks to the configuration.
func Hook(hooks ...any) Option {
	return func(cfg *Config) error {
		cfg.Hook(hooks...)
		return nil
	}
}

// Hook adds hooks to the configuration.  This is normally done by other packages' options.
func (cfg *Config) Hook(hooks ...any) {
	cfg.hooks = append(cfg.hooks, hooks...)
}

// Done returns a channel closed when the server starts to shut down.  It is nil unless the server is running.
func (cfg *Config) Done() <-chan struct{} {
	return cfg.done
}

// Serve listens on every listener supplied by hooks, or on the configured TCP address if there are none, and serves
// until ctx is cancelled or a runner hook fails.
func (cfg *Config) Serve(ctx context.Context) error {
	if cfg.serving {
		return errors.New(`dev server is already running`)
	}
	cfg.serving = true
	defer func() { cfg.serving, cfg.done = false, nil }()

	hooks := hook.Order(cfg.hooks...)
	group, ctx := errgroup.WithContext(ctx)
	cfg.done = ctx.Done()

	var mux http.ServeMux
	for _, it := range hooks {
		if impl, ok := it.(hook.Mux); ok {
			impl.PackMux(&mux)
		}
	}
	var svr http.Server
	svr.Handler = &mux
	svr.BaseContext = func(net.Listener) context.Context { return ctx }
	for _, it := range hooks {
		if impl, ok := it.(hook.Server); ok {
			impl.PackServer(&svr)
		}
	}

	listeners, err := cfg.listen(ctx, hooks)
	if err != nil {
		return err
	}
	for _, lr := range listeners {
		group.Go(func() error {
			hog.From(ctx).Info().Str(`address`, lr.Addr().String()).Msg(`starting HTTP service`)
			err := svr.Serve(lr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	for _, it := range hooks {
		if impl, ok := it.(hook.Runner); ok {
			group.Go(func() error { return impl.Run(ctx) })
		}
	}
	group.Go(func() error {
		<-ctx.Done()
		return svr.Shutdown(context.Background())
	})

	err = group.Wait()
	hog.From(ctx).Info().Err(err).Msg(`HTTP service stopped`)
	return err
}

func (cfg *Config) listen(ctx context.Context, hooks []any) ([]net.Listener, error) {
	var listeners []net.Listener
	fail := func(err error) ([]net.Listener, error) {
		for _, lr := range listeners {
			_ = lr.Close()
		}
		return nil, err
	}
	for _, it := range hooks {
		if impl, ok := it.(hook.Listen); ok {
			lr, err := impl.Listen(ctx)
			if err != nil {
				return fail(err)
			}
			listeners = append(listeners, lr)
		}
	}
	if len(listeners) > 0 {
		return listeners, nil
	}

	var lcf net.ListenConfig
	for _, it := range hooks {
		if impl, ok := it.(hook.Listener); ok {
			impl.PackListener(&lcf)
		}
	}
	lr, err := lcf.Listen(ctx, `tcp`, cfg.address)
	if err != nil {
		return fail(err)
	}
	return []net.Listener{lr}, nil
}
