package transform

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/swdunlop/pack-go/pack/emit"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// A Plugin transforms one payload into the next.  Plugins must not retain the payload or the context after Apply
// returns; side artifacts are reported through Context.Emit.
type Plugin interface {
	Apply(ctx context.Context, in Payload, options Options, c *Context) (Payload, error)
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, in Payload, options Options, c *Context) (Payload, error)

// Apply calls fn.
func (fn PluginFunc) Apply(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	return fn(ctx, in, options, c)
}

// A Kind describes what a payload holds.
type Kind int

const (
	Source     Kind = iota // module content that has not been transformed yet
	Script                 // CommonJS code
	Stylesheet             // plain CSS
	Binary                 // opaque bytes, such as an image
)

func (k Kind) String() string {
	switch k {
	case Source:
		return `source`
	case Script:
		return `script`
	case Stylesheet:
		return `stylesheet`
	case Binary:
		return `binary`
	}
	return `unknown`
}

// A Payload flows through a plugin chain.
type Payload struct {
	Kind Kind
	Ext  string // extension of the content, such as ".jsx" or ".png"; updated by plugins that change the language
	Code []byte
}

var binaryExtensions = map[string]bool{
	`.png`: true, `.jpg`: true, `.jpeg`: true, `.gif`: true, `.webp`: true, `.ico`: true, `.bmp`: true,
	`.woff`: true, `.woff2`: true, `.ttf`: true, `.eot`: true, `.otf`: true, `.wasm`: true,
	`.mp3`: true, `.mp4`: true, `.webm`: true, `.ogg`: true, `.wav`: true, `.pdf`: true,
}

// initialPayload returns the payload a chain starts with.
func initialPayload(m *graph.Module) Payload {
	ext := strings.ToLower(m.Ext())
	kind := Source
	switch {
	case binaryExtensions[ext]:
		kind = Binary
	case ext == `.css`:
		kind = Stylesheet
	}
	return Payload{Kind: kind, Ext: ext, Code: m.Content}
}

// A Context describes the module being transformed and collects side artifacts.
type Context struct {
	Module *graph.Module
	Rule   int // rule index, -1 for the default chain
	Mode   ExtractionMode

	publicPath    string
	assetFilename string
	assets        []graph.Asset
	url           string
}

// Emit records a side artifact written alongside the chunks.
func (c *Context) Emit(name string, data []byte) {
	c.assets = append(c.assets, graph.Asset{Name: name, Data: data})
}

// SetURL records the URL other modules should use to refer to this module, for example from a stylesheet url().
func (c *Context) SetURL(url string) { c.url = url }

// AssetName expands the asset file name template for data emitted by this module.
func (c *Context) AssetName(data []byte) string {
	base := filepath.Base(c.Module.ID)
	ext := filepath.Ext(base)
	return emit.Filename(c.assetFilename, emit.Fields{
		Name:        strings.TrimSuffix(base, ext),
		ID:          c.Module.Name,
		Ext:         strings.TrimPrefix(ext, `.`),
		Hash:        emit.Hash(data),
		ContentHash: emit.Hash(data),
	})
}

// PublicURL returns the URL an emitted asset will be served from.
func (c *Context) PublicURL(name string) string {
	if strings.HasSuffix(c.publicPath, `/`) {
		return c.publicPath + name
	}
	return path.Join(c.publicPath, name)
}

// Dependency returns the module a request in this module resolved to, or nil.
func (c *Context) Dependency(specifier string) *graph.Module {
	for _, ref := range c.Module.Deps {
		if ref != nil && ref.Specifier == specifier {
			return ref.Target
		}
	}
	return nil
}

// Options are the options given to a plugin in configuration.  A missing option yields the default.
type Options struct {
	v cty.Value
}

// NewOptions wraps a decoded options value.
func NewOptions(v cty.Value) Options { return Options{v} }

// Object builds options from Go values, which is convenient for plugins configured in code.
func Object(attrs map[string]any) (Options, error) {
	vals := make(map[string]cty.Value, len(attrs))
	for k, v := range attrs {
		ty, err := gocty.ImpliedType(v)
		if err != nil {
			return Options{}, fmt.Errorf(`%w for option %q`, err, k)
		}
		cv, err := gocty.ToCtyValue(v, ty)
		if err != nil {
			return Options{}, fmt.Errorf(`%w for option %q`, err, k)
		}
		vals[k] = cv
	}
	return Options{cty.ObjectVal(vals)}, nil
}

func (o Options) get(name string) (cty.Value, bool) {
	v := o.v
	if v.IsNull() || !v.IsKnown() {
		return cty.NilVal, false
	}
	ty := v.Type()
	switch {
	case ty.IsObjectType():
		if !ty.HasAttribute(name) {
			return cty.NilVal, false
		}
		v = v.GetAttr(name)
	case ty.IsMapType():
		key := cty.StringVal(name)
		if !v.HasIndex(key).True() {
			return cty.NilVal, false
		}
		v = v.Index(key)
	default:
		return cty.NilVal, false
	}
	if v.IsNull() {
		return cty.NilVal, false
	}
	return v, true
}

// Int returns an integer option.
func (o Options) Int(name string, def int) (int, error) {
	v, ok := o.get(name)
	if !ok {
		return def, nil
	}
	var n int
	if err := gocty.FromCtyValue(v, &n); err != nil {
		return def, fmt.Errorf(`option %q: %w`, name, err)
	}
	return n, nil
}

// String returns a string option.
func (o Options) String(name, def string) (string, error) {
	v, ok := o.get(name)
	if !ok {
		return def, nil
	}
	var s string
	if err := gocty.FromCtyValue(v, &s); err != nil {
		return def, fmt.Errorf(`option %q: %w`, name, err)
	}
	return s, nil
}

// Bool returns a boolean option.
func (o Options) Bool(name string, def bool) (bool, error) {
	v, ok := o.get(name)
	if !ok {
		return def, nil
	}
	var b bool
	if err := gocty.FromCtyValue(v, &b); err != nil {
		return def, fmt.Errorf(`option %q: %w`, name, err)
	}
	return b, nil
}

// Strings returns a list of strings option.
func (o Options) Strings(name string) ([]string, error) {
	v, ok := o.get(name)
	if !ok {
		return nil, nil
	}
	v, err := convert.Convert(v, cty.List(cty.String))
	if err != nil {
		return nil, fmt.Errorf(`option %q: %w`, name, err)
	}
	var seq []string
	if err := gocty.FromCtyValue(v, &seq); err != nil {
		return nil, fmt.Errorf(`option %q: %w`, name, err)
	}
	return seq, nil
}

// signature identifies the options in cache keys.
func (o Options) signature() string {
	if o.v.IsNull() {
		return `{}`
	}
	return o.v.GoString()
}
