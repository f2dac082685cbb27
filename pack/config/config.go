// Package config decodes and validates pack configuration files.
//
// Configuration is written in HCL.  Expressions may refer to `env.NAME` for environment variables and to `mode`,
// which is either "production" or "development".  A configuration is validated once, before any build starts; shape
// errors are fatal while suspicious but legal configurations produce warnings.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/zclconf/go-cty/cty"
)

// DefaultFile is the configuration file name used when none is given.
const DefaultFile = `pack.hcl`

const (
	Production  = `production`
	Development = `development`
)

// A Config is a decoded configuration file.
type Config struct {
	Context   string       `hcl:"context,optional"`
	Mode      string       `hcl:"mode,optional"`
	Entries   []*Entry     `hcl:"entry,block"`
	Output    *Output      `hcl:"output,block"`
	Resolve   *Resolve     `hcl:"resolve,block"`
	Rules     []*Rule      `hcl:"rule,block"`
	Chunks    []*ChunkRule `hcl:"chunk,block"`
	Minify    *Minify      `hcl:"minify,block"`
	HTML      *HTML        `hcl:"html,block"`
	DevServer *DevServer   `hcl:"dev_server,block"`
	Transform *Transform   `hcl:"transform,block"`

	// File is the absolute path of the configuration file, empty if the configuration was built in code.
	File string
}

// An Entry names one or more modules that root an entry chunk.
type Entry struct {
	Name    string   `hcl:"name,label"`
	Modules []string `hcl:"modules"`
}

// Output controls where and how artifacts are written.
type Output struct {
	Path          string `hcl:"path,optional"`
	Filename      string `hcl:"filename,optional"`
	CSSFilename   string `hcl:"css_filename,optional"`
	AssetFilename string `hcl:"asset_filename,optional"`
	PublicPath    string `hcl:"public_path,optional"`
	Manifest      bool   `hcl:"manifest,optional"`
}

// Resolve lists lookup roots and accepted extensions, both tried in order.
type Resolve struct {
	Modules    []string `hcl:"modules,optional"`
	Extensions []string `hcl:"extensions,optional"`
}

// A Rule applies an ordered plugin chain to every module whose id matches Test and passes the path filters.
type Rule struct {
	Test    string   `hcl:"test"`
	Include []string `hcl:"include,optional"`
	Exclude []string `hcl:"exclude,optional"`
	Extract *Extract `hcl:"extract,block"`
	Use     []*Use   `hcl:"use,block"`
}

// Extract marks a stylesheet rule whose output is extracted into the chunk stylesheet; in hot mode the Fallback
// plugin is applied instead so the stylesheet is injected at runtime.
type Extract struct {
	Fallback string `hcl:"fallback,optional"`
}

// Use names a plugin and its options.
type Use struct {
	Plugin  string    `hcl:"plugin,label"`
	Options cty.Value `hcl:"options,optional"`
}

// Chunk scopes control which graph edges are considered when a chunk rule tests membership.
const (
	ScopeAll     = `all`
	ScopeInitial = `initial`
	ScopeAsync   = `async`
)

// A ChunkRule extracts matching modules into the named chunk.
type ChunkRule struct {
	Name      string `hcl:"name,label"`
	Test      string `hcl:"test,optional"`
	Chunks    string `hcl:"chunks,optional"`
	Enforce   bool   `hcl:"enforce,optional"`
	MinChunks int    `hcl:"min_chunks,optional"`
	MinSize   int    `hcl:"min_size,optional"`
}

// Minify toggles are independent; unset toggles follow the mode.
type Minify struct {
	HTML *bool `hcl:"html,optional"`
	CSS  *bool `hcl:"css,optional"`
	JS   *bool `hcl:"js,optional"`
}

// HTML configures the generated HTML shell.
type HTML struct {
	Template string `hcl:"template,optional"`
	Filename string `hcl:"filename,optional"`
}

// DevServer configures `pack serve`.
type DevServer struct {
	Hot    bool   `hcl:"hot,optional"`
	Listen string `hcl:"listen,optional"`
}

// Transform tunes the transform pipeline.
type Transform struct {
	Timeout string `hcl:"timeout,optional"`
	Workers int    `hcl:"workers,optional"`
	Cache   string `hcl:"cache,optional"`
}

// An Option adjusts how a configuration is loaded.
type Option func(*loader)

type loader struct {
	mode string
	env  map[string]string
}

// Mode overrides the mode seen by expressions and used for defaults.
func Mode(mode string) Option {
	return func(ld *loader) { ld.mode = mode }
}

// Env replaces the environment visible to expressions; by default the process environment is used.
func Env(env map[string]string) Option {
	return func(ld *loader) { ld.env = env }
}

// Load reads and decodes the configuration file at path.
func Load(fs afero.Fs, path string, options ...Option) (*Config, error) {
	src, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, `reading %s`, path)
	}
	return Parse(src, path, options...)
}

// Parse decodes configuration source; filename is used for diagnostics and to anchor a relative context.
func Parse(src []byte, filename string, options ...Option) (*Config, error) {
	ld := loader{mode: os.Getenv(`PACK_MODE`)}
	for _, option := range options {
		option(&ld)
	}
	if ld.env == nil {
		ld.env = environ()
	}
	if ld.mode == `` {
		ld.mode = Production
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(`failed to parse %s: %s`, filename, diags.Error())
	}
	cfg := new(Config)
	diags = gohcl.DecodeBody(file.Body, ld.evalContext(), cfg)
	if diags.HasErrors() {
		return nil, errors.Errorf(`failed to decode %s: %s`, filename, diags.Error())
	}
	if cfg.Mode == `` {
		cfg.Mode = ld.mode
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.File = abs
	cfg.Defaults()
	return cfg, nil
}

func (ld *loader) evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value, len(ld.env))
	for k, v := range ld.env {
		if hclsyntaxIdent(k) {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		`env`:  cty.ObjectVal(env),
		`mode`: cty.StringVal(ld.mode),
	}}
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, `=`)
		if ok {
			env[k] = v
		}
	}
	return env
}

// hclsyntaxIdent reports whether name can be used as an attribute name after `env.`.
func hclsyntaxIdent(name string) bool {
	if name == `` {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// Defaults fills unset fields.  It is called by Parse and is idempotent.
func (cfg *Config) Defaults() {
	if cfg.Mode == `` {
		cfg.Mode = Production
	}
	base := `.`
	if cfg.File != `` {
		base = filepath.Dir(cfg.File)
	}
	if cfg.Context == `` {
		cfg.Context = `.`
	}
	if !filepath.IsAbs(cfg.Context) {
		if abs, err := filepath.Abs(filepath.Join(base, cfg.Context)); err == nil {
			cfg.Context = abs
		}
	}
	if cfg.Output == nil {
		cfg.Output = new(Output)
	}
	out := cfg.Output
	if out.Path == `` {
		out.Path = `dist`
	}
	if !filepath.IsAbs(out.Path) {
		out.Path = filepath.Join(cfg.Context, out.Path)
	}
	if out.Filename == `` {
		out.Filename = `[name].js`
	}
	if out.CSSFilename == `` {
		out.CSSFilename = `[name].css`
	}
	if out.AssetFilename == `` {
		out.AssetFilename = `[hash:8].[ext]`
	}
	if out.PublicPath == `` {
		out.PublicPath = `/`
	}
	if cfg.Resolve == nil {
		cfg.Resolve = new(Resolve)
	}
	if len(cfg.Resolve.Modules) == 0 {
		cfg.Resolve.Modules = []string{`node_modules`}
	}
	if len(cfg.Resolve.Extensions) == 0 {
		cfg.Resolve.Extensions = []string{`.wasm`, `.mjs`, `.js`, `.json`, `.jsx`}
	}
	for _, rule := range cfg.Chunks {
		if rule.Chunks == `` {
			rule.Chunks = ScopeAll
		}
		if rule.MinChunks <= 0 {
			rule.MinChunks = 1
		}
	}
	if cfg.Minify == nil {
		cfg.Minify = new(Minify)
	}
	prod := cfg.Mode == Production
	for _, p := range []**bool{&cfg.Minify.HTML, &cfg.Minify.CSS, &cfg.Minify.JS} {
		if *p == nil {
			v := prod
			*p = &v
		}
	}
	if cfg.HTML != nil {
		if cfg.HTML.Filename == `` {
			cfg.HTML.Filename = `index.html`
		}
		if cfg.HTML.Template != `` && !filepath.IsAbs(cfg.HTML.Template) {
			cfg.HTML.Template = filepath.Join(cfg.Context, cfg.HTML.Template)
		}
	}
	if cfg.DevServer == nil {
		cfg.DevServer = new(DevServer)
	}
	if cfg.DevServer.Listen == `` {
		cfg.DevServer.Listen = `localhost:8080`
	}
	if cfg.Transform == nil {
		cfg.Transform = new(Transform)
	}
	if cfg.Transform.Workers <= 0 {
		cfg.Transform.Workers = runtime.NumCPU()
	}
	if cfg.Transform.Timeout == `` {
		cfg.Transform.Timeout = `30s`
	}
	if cfg.Transform.Cache != `` && !filepath.IsAbs(cfg.Transform.Cache) {
		cfg.Transform.Cache = filepath.Join(cfg.Context, cfg.Transform.Cache)
	}
}

// Timeout returns the per-plugin timeout.  Validate has already rejected unparsable values.
func (cfg *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(cfg.Transform.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// MinifyHTML, MinifyCSS and MinifyJS report the effective minification toggles.
func (cfg *Config) MinifyHTML() bool { return cfg.Minify != nil && cfg.Minify.HTML != nil && *cfg.Minify.HTML }
func (cfg *Config) MinifyCSS() bool  { return cfg.Minify != nil && cfg.Minify.CSS != nil && *cfg.Minify.CSS }
func (cfg *Config) MinifyJS() bool   { return cfg.Minify != nil && cfg.Minify.JS != nil && *cfg.Minify.JS }
