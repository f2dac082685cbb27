// Package watch runs rebuilds in response to file changes.
//
// A Controller moves from Idle to Watching when Run starts, to Rebuilding while a rebuild is in flight and back to
// Watching when it completes, whether it succeeded or not.  Changes that arrive during a rebuild are coalesced into
// a single follow-up rebuild.  When Run's context is cancelled the controller is Stopped.
package watch

import (
	"context"
	"sort"
	"sync"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/build"
	"github.com/swdunlop/pack-go/pack/report"
)

// State is the controller state.
type State int

const (
	Idle State = iota
	Watching
	Rebuilding
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return `idle`
	case Watching:
		return `watching`
	case Rebuilding:
		return `rebuilding`
	case Stopped:
		return `stopped`
	}
	return `unknown`
}

// A Rebuilder performs incremental builds; *build.Builder is one.  Rebuild returns a nil result when no path maps to
// a module.
type Rebuilder interface {
	Rebuild(ctx context.Context, paths ...string) (*build.Result, error)
}

// A Listener observes completed rebuilds.  Exactly one of res and err is set.
type Listener func(ctx context.Context, res *build.Result, err error)

// New returns an idle controller driving b.
func New(b Rebuilder, listeners ...Listener) *Controller {
	return &Controller{
		builder:   b,
		listeners: listeners,
		pending:   make(map[string]bool),
		kick:      make(chan struct{}, 1),
	}
}

// A Controller queues changed paths and rebuilds.
type Controller struct {
	builder   Rebuilder
	listeners []Listener
	kick      chan struct{} // one slot: set when pending is non-empty

	lock     sync.Mutex
	state    State
	pending  map[string]bool
	rebuilds int
}

// Notify queues a changed path.  It never blocks.
func (c *Controller) Notify(path string) {
	c.lock.Lock()
	c.pending[path] = true
	c.lock.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Rebuilds returns the number of rebuilds that produced a result or an error.
func (c *Controller) Rebuilds() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.rebuilds
}

func (c *Controller) setState(s State) {
	c.lock.Lock()
	c.state = s
	c.lock.Unlock()
}

// Run processes changes until ctx is cancelled.  Failed rebuilds are logged and reported to listeners; they never
// stop the controller.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(Watching)
	defer c.setState(Stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		}
		paths := c.take()
		if len(paths) == 0 {
			continue
		}
		c.setState(Rebuilding)
		res, err := c.builder.Rebuild(ctx, paths...)
		c.setState(Watching)
		if ctx.Err() != nil {
			return nil
		}
		if res == nil && err == nil {
			hog.From(ctx).Debug().Strs(`paths`, paths).Msg(`ignored changes outside the module graph`)
			continue
		}
		c.lock.Lock()
		c.rebuilds++
		c.lock.Unlock()
		if err != nil {
			var failures []string
			for _, entry := range report.Entries(report.PhaseResolve, err) {
				failures = append(failures, entry.String())
			}
			hog.From(ctx).Error().Strs(`failures`, failures).Strs(`paths`, paths).Msg(`rebuild failed`)
		}
		for _, fn := range c.listeners {
			fn(ctx, res, err)
		}
	}
}

// take drains the pending set.
func (c *Controller) take() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	paths := make([]string, 0, len(c.pending))
	for path := range c.pending {
		paths = append(paths, path)
	}
	c.pending = make(map[string]bool)
	sort.Strings(paths)
	return paths
}
