// Package local supplies the dev server with a TCP or Unix listener.
package local

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/swdunlop/pack-go/pack/devserver"
	"github.com/swdunlop/pack-go/pack/hook"
)

// Dev returns a dev server option that adds a listener.
func Dev(options ...Option) devserver.Option {
	return func(d *devserver.Config) error {
		var cfg config
		for _, option := range options {
			if err := option(&cfg); err != nil {
				return err
			}
		}
		if cfg.network == `` || cfg.address == `` {
			return errors.New(`local listeners must configure both network and address`)
		}
		d.Hook(&cfg)
		return nil
	}
}

// An Option configures a local listener.
type Option func(*config) error

type config struct {
	network string
	address string
	listen  net.ListenConfig
}

// TCP listens on a TCP address.
func TCP(address string) Option {
	return Listen(`tcp`, address)
}

// Unix listens on a Unix socket.
func Unix(path string) Option {
	return Listen(`unix`, path)
}

// Listen sets the network and address of the listener.
func Listen(network, address string) Option {
	return func(cfg *config) error {
		cfg.network, cfg.address = network, address
		return nil
	}
}

// KeepAlive sets the keepalive period of accepted connections.
func KeepAlive(keepalive time.Duration) Option {
	return func(cfg *config) error {
		cfg.listen.KeepAlive = keepalive
		return nil
	}
}

// ListenConfig adjusts the net.ListenConfig used to create the listener.
func ListenConfig(options ...func(*net.ListenConfig)) Option {
	return func(cfg *config) error {
		for _, option := range options {
			option(&cfg.listen)
		}
		return nil
	}
}

var _ hook.Listen = (*config)(nil)

// Listen implements hook.Listen.
func (cfg *config) Listen(ctx context.Context) (net.Listener, error) {
	return cfg.listen.Listen(ctx, cfg.network, cfg.address)
}
