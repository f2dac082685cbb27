// Package tailscale supplies the dev server with a listener on a Tailscale network, so a build can be previewed from
// other devices on the tailnet.
package tailscale

import (
	"context"
	"errors"
	"net"

	"github.com/swdunlop/pack-go/pack/devserver"
	"github.com/swdunlop/pack-go/pack/hook"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Dev returns a dev server option that listens on address of a Tailscale node.
func Dev(address string, options ...Option) devserver.Option {
	return func(d *devserver.Config) error {
		cfg := &config{listen: address}
		for _, option := range options {
			if err := option(cfg); err != nil {
				return err
			}
		}
		if cfg.funnel && cfg.noTLS {
			return errors.New(`funnels are required to use TLS by Tailscale`)
		}
		d.Hook(cfg)
		return nil
	}
}

type config struct {
	tsnet   tsnet.Server
	funnel  bool
	noTLS   bool
	upHooks []func(*tsnet.Server, *ipnstate.Status) error
	listen  string
}

var _ hook.Listen = (*config)(nil)

// Listen brings the node up and implements hook.Listen.
func (cfg *config) Listen(ctx context.Context) (net.Listener, error) {
	status, err := cfg.tsnet.Up(ctx)
	if err != nil {
		return nil, err
	}
	for _, fn := range cfg.upHooks {
		if err := fn(&cfg.tsnet, status); err != nil {
			_ = cfg.tsnet.Close()
			return nil, err
		}
	}
	switch {
	case cfg.funnel:
		return cfg.tsnet.ListenFunnel(`tcp`, cfg.listen)
	case cfg.noTLS:
		return cfg.tsnet.Listen(`tcp`, cfg.listen)
	default:
		return cfg.tsnet.ListenTLS(`tcp`, cfg.listen)
	}
}

// An Option configures the Tailscale node.
type Option func(*config) error

// Dir sets the node's state directory.
func Dir(dir string) Option {
	return func(cfg *config) error {
		cfg.tsnet.Dir = dir
		return nil
	}
}

// Hostname specifies the name of the node on the tailnet.  Defaults to the system hostname.
func Hostname(hostname string) Option {
	return func(cfg *config) error {
		cfg.tsnet.Hostname = hostname
		return nil
	}
}

// Funnel allows public IPs to connect.
func Funnel() Option {
	return func(cfg *config) error {
		cfg.funnel = true
		return nil
	}
}

// NoTLS serves plain HTTP on the tailnet.  This is incompatible with Funnel.
func NoTLS() Option {
	return func(cfg *config) error {
		cfg.noTLS = true
		return nil
	}
}

// Logf sets the logging function for the node.  Tailscale is EXTREMELY chatty.
func Logf(f func(format string, args ...any)) Option {
	return func(cfg *config) error {
		cfg.tsnet.Logf = f
		return nil
	}
}

// HookUp adds a function called once the node is up and authorized.  If it returns an error the node is closed.
func HookUp(fn func(*tsnet.Server, *ipnstate.Status) error) Option {
	return func(cfg *config) error {
		cfg.upHooks = append(cfg.upHooks, fn)
		return nil
	}
}
