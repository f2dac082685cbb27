// Package transform turns loaded modules into units through the plugin chains of matching rules.
//
// Every rule whose test matches a module runs, in configuration order, and contributes its own output to the unit.
// Within a rule, plugins run in the order they are declared, each consuming the payload produced by the previous
// plugin.  A chain must end with a script or a stylesheet.
package transform

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
	"golang.org/x/sync/errgroup"
)

// ExtractionMode selects how stylesheet rules with an extract block are handled.
type ExtractionMode int

const (
	// Inline extracts stylesheets into the chunk stylesheet artifact; used for static builds.
	Inline ExtractionMode = iota

	// RuntimeInjected applies the rule's fallback plugin so stylesheets are injected by the runtime and can be
	// replaced by hot updates; used while watching.
	RuntimeInjected
)

func (m ExtractionMode) String() string {
	if m == RuntimeInjected {
		return `runtime-injected`
	}
	return `inline`
}

// A Rule is a compiled configuration rule.
type Rule struct {
	Index    int
	Test     *regexp.Regexp
	Include  []config.Filter
	Exclude  []config.Filter
	Chain    []Step
	Fallback string // plugin applied after the chain in RuntimeInjected mode, if the rule extracts
	Extract  bool
}

// A Step is one plugin in a chain.
type Step struct {
	Plugin  string
	Options Options
}

// Match reports whether the rule applies to the module with the given id.
func (r *Rule) Match(id string) bool {
	if !r.Test.MatchString(id) {
		return false
	}
	if len(r.Include) > 0 {
		ok := false
		for _, f := range r.Include {
			if f.Match(id) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, f := range r.Exclude {
		if f.Match(id) {
			return false
		}
	}
	return true
}

// CompileRules compiles configured rules; the configuration should already have been validated.
func CompileRules(cfg *config.Config) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		rx, err := regexp.Compile(rc.Test)
		if err != nil {
			return nil, fmt.Errorf(`%w in rule %d`, err, i)
		}
		rule := &Rule{Index: i, Test: rx}
		for _, pattern := range rc.Include {
			f, err := config.CompileFilter(cfg.Context, pattern)
			if err != nil {
				return nil, fmt.Errorf(`%w in rule %d`, err, i)
			}
			rule.Include = append(rule.Include, f)
		}
		for _, pattern := range rc.Exclude {
			f, err := config.CompileFilter(cfg.Context, pattern)
			if err != nil {
				return nil, fmt.Errorf(`%w in rule %d`, err, i)
			}
			rule.Exclude = append(rule.Exclude, f)
		}
		for _, use := range rc.Use {
			rule.Chain = append(rule.Chain, Step{Plugin: use.Plugin, Options: NewOptions(use.Options)})
		}
		if rc.Extract != nil {
			rule.Extract = true
			rule.Fallback = rc.Extract.Fallback
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// A Pipeline applies rules to modules.
type Pipeline struct {
	rules         []*Rule
	plugins       map[string]Plugin
	mode          ExtractionMode
	timeout       time.Duration
	workers       int
	publicPath    string
	assetFilename string
	store         Store
}

// An Option configures a Pipeline.
type Option func(*Pipeline) error

// New returns a pipeline with the built in plugins registered.
func New(options ...Option) (*Pipeline, error) {
	p := &Pipeline{
		plugins:       Builtins(),
		timeout:       30 * time.Second,
		workers:       runtime.NumCPU(),
		publicPath:    `/`,
		assetFilename: `[hash:8].[ext]`,
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Configure applies the rules and tuning from a configuration.
func Configure(cfg *config.Config) Option {
	return func(p *Pipeline) error {
		rules, err := CompileRules(cfg)
		if err != nil {
			return err
		}
		p.rules = rules
		p.timeout = cfg.Timeout()
		p.workers = cfg.Transform.Workers
		p.publicPath = cfg.Output.PublicPath
		p.assetFilename = cfg.Output.AssetFilename
		return nil
	}
}

// Rules replaces the pipeline rules.
func Rules(rules ...*Rule) Option {
	return func(p *Pipeline) error {
		p.rules = rules
		return nil
	}
}

// Register adds or replaces a plugin.
func Register(name string, plugin Plugin) Option {
	return func(p *Pipeline) error {
		if name == `` {
			return errors.New(`plugin name is required`)
		}
		p.plugins[name] = plugin
		return nil
	}
}

// Mode sets the extraction mode.
func Mode(mode ExtractionMode) Option {
	return func(p *Pipeline) error {
		p.mode = mode
		return nil
	}
}

// Timeout bounds each plugin call.
func Timeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return errors.Errorf(`invalid timeout %v`, d)
		}
		p.timeout = d
		return nil
	}
}

// Workers limits how many modules are transformed concurrently.
func Workers(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			return errors.Errorf(`invalid worker count %d`, n)
		}
		p.workers = n
		return nil
	}
}

// WithStore caches units between builds.
func WithStore(store Store) Option {
	return func(p *Pipeline) error {
		p.store = store
		return nil
	}
}

// Known reports whether a plugin is registered, for configuration validation.
func (p *Pipeline) Known(name string) bool {
	_, ok := p.plugins[name]
	return ok
}

// defaultChain is applied to script modules that no rule matches.
var defaultChain = &Rule{Index: -1, Chain: []Step{{Plugin: `js`}}}

// defaultExtensions are the module types the default chain accepts.
var defaultExtensions = map[string]bool{
	`.js`: true, `.mjs`: true, `.cjs`: true, `.jsx`: true, `.ts`: true, `.tsx`: true, `.json`: true,
}

// Match returns the rules that apply to a module, in configuration order.
func (p *Pipeline) Match(m *graph.Module) []*Rule {
	var seq []*Rule
	for _, rule := range p.rules {
		if rule.Match(m.ID) {
			seq = append(seq, rule)
		}
	}
	if len(seq) == 0 && defaultExtensions[strings.ToLower(m.Ext())] {
		seq = append(seq, defaultChain)
	}
	return seq
}

// Transform produces the unit for one module.
func (p *Pipeline) Transform(ctx context.Context, m *graph.Module) (*graph.Unit, error) {
	rules := p.Match(m)
	if len(rules) == 0 {
		return nil, &report.TransformError{Module: m.ID, Rule: -1, Err: errors.New(`no rule matches this module`)}
	}
	var key Key
	if p.store != nil {
		key = p.key(m, rules)
		if unit, ok := p.store.Load(key); ok {
			hog.From(ctx).Trace().Str(`module`, m.Name).Msg(`transform cache hit`)
			return unit, nil
		}
	}
	unit := new(graph.Unit)
	for _, rule := range rules {
		c := &Context{
			Module:        m,
			Rule:          rule.Index,
			Mode:          p.mode,
			publicPath:    p.publicPath,
			assetFilename: p.assetFilename,
		}
		out, err := p.run(ctx, rule, c)
		if err != nil {
			return nil, err
		}
		unit.Outputs = append(unit.Outputs, out)
		if c.url != `` {
			unit.URL = c.url
		}
	}
	if p.store != nil {
		if err := p.store.Save(key, unit); err != nil {
			hog.From(ctx).Warn().Err(err).Str(`module`, m.Name).Msg(`could not cache transform`)
		}
	}
	return unit, nil
}

// chain returns the steps to run for a rule in the pipeline's mode.
func (p *Pipeline) chain(rule *Rule) []Step {
	if p.mode != RuntimeInjected || !rule.Extract || rule.Fallback == `` {
		return rule.Chain
	}
	return append(append([]Step(nil), rule.Chain...), Step{Plugin: rule.Fallback})
}

func (p *Pipeline) run(ctx context.Context, rule *Rule, c *Context) (graph.Output, error) {
	payload := initialPayload(c.Module)
	for _, step := range p.chain(rule) {
		plugin, ok := p.plugins[step.Plugin]
		if !ok {
			return graph.Output{}, &report.TransformError{
				Module: c.Module.ID, Rule: rule.Index, Plugin: step.Plugin, Err: errors.New(`unknown plugin`),
			}
		}
		next, err := p.apply(ctx, plugin, payload, step.Options, c)
		if err != nil {
			return graph.Output{}, &report.TransformError{Module: c.Module.ID, Rule: rule.Index, Plugin: step.Plugin, Err: err}
		}
		payload = next
	}
	out := graph.Output{Rule: rule.Index, Code: payload.Code, Assets: c.assets}
	switch payload.Kind {
	case Script:
		out.Kind = graph.ScriptOutput
	case Stylesheet:
		out.Kind = graph.StylesheetOutput
	default:
		return graph.Output{}, &report.TransformError{
			Module: c.Module.ID, Rule: rule.Index,
			Err: errors.Errorf(`chain ended with a %v payload instead of a script or stylesheet`, payload.Kind),
		}
	}
	return out, nil
}

// apply runs one plugin, giving up once the timeout expires even if the plugin ignores its context.
func (p *Pipeline) apply(ctx context.Context, plugin Plugin, in Payload, options Options, c *Context) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	type result struct {
		out Payload
		err error
	}
	ch := make(chan result, 1)
	// The plugin works on a copy of the context so a plugin that overruns cannot race with the next one.
	pc := *c
	go func() {
		out, err := plugin.Apply(ctx, in, options, &pc)
		ch <- result{out, err}
	}()
	select {
	case r := <-ch:
		if r.err == nil {
			*c = pc
		}
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Payload{}, fmt.Errorf(`%w after %v`, ctx.Err(), p.timeout)
		}
		return Payload{}, ctx.Err()
	}
}

// TransformAll transforms every module concurrently, storing each unit on its module.  Every failing module is
// reported.
func (p *Pipeline) TransformAll(ctx context.Context, mods []*graph.Module) error {
	var errs report.List
	var eg errgroup.Group
	eg.SetLimit(p.workers)
	for _, m := range mods {
		eg.Go(func() error {
			unit, err := p.Transform(ctx, m)
			if err != nil {
				errs.Push(err)
				return nil
			}
			m.Unit = unit
			m.State = graph.Transformed
			return nil
		})
	}
	_ = eg.Wait()
	return errs.Err(report.PhaseTransform)
}
