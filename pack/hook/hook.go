// Package hook defines the interfaces the dev server recognizes in its hooks and applies while it sets up.
package hook

import (
	"context"
	"net"
	"net/http"
	"sort"
)

// Listener hooks adjust the listen configuration used for the default TCP listener.
type Listener interface {
	PackListener(*net.ListenConfig)
}

// Listen hooks replace the default listener entirely; the dev server serves on each of them.
type Listen interface {
	Listen(ctx context.Context) (net.Listener, error)
}

// Server hooks are called when the dev server is setting up its HTTP server.
type Server interface {
	PackServer(*http.Server)
}

// Mux hooks register handlers on the dev server's multiplexer.
type Mux interface {
	PackMux(*http.ServeMux)
}

// Runner hooks run alongside the dev server until its context is cancelled.  An error from a runner stops the
// server.
type Runner interface {
	Run(ctx context.Context) error
}

// Order returns hooks in the order they were provided, except that every Dependent is moved after the Providers of
// the names it depends on.  Cycles are not an error; the order is simply best effort.
func Order(hooks ...any) []any {
	providers := make(map[string][]int, len(hooks))
	for i, hook := range hooks {
		if provider, ok := hook.(Provider); ok {
			for _, name := range provider.Provides() {
				providers[name] = append(providers[name], i)
			}
		}
	}
	order := make([]any, 0, len(hooks))
	placed := make([]bool, len(hooks))
	var place func(int)
	place = func(i int) {
		if placed[i] {
			return
		}
		placed[i] = true
		if dependent, ok := hooks[i].(Dependent); ok {
			var items []int
			for _, name := range dependent.DependsOn() {
				items = append(items, providers[name]...)
			}
			sort.Ints(items) // keeps the original order among dependencies
			for _, j := range items {
				place(j)
			}
		}
		order = append(order, hooks[i])
	}
	for i := range hooks {
		place(i)
	}
	return order
}

// A Provider provides names that a Dependent can refer to.
type Provider interface {
	Provides() []string
}

// A Dependent hook is applied after every hook providing a name it depends on.
type Dependent interface {
	DependsOn() []string
}
