package transform

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/pkg/errors"
	"github.com/swdunlop/pack-go/pack/graph"
)

var loaders = map[string]esbuild.Loader{
	`.js`:   esbuild.LoaderJS,
	`.mjs`:  esbuild.LoaderJS,
	`.cjs`:  esbuild.LoaderJS,
	`.jsx`:  esbuild.LoaderJSX,
	`.ts`:   esbuild.LoaderTS,
	`.tsx`:  esbuild.LoaderTSX,
	`.json`: esbuild.LoaderJSON,
}

var targets = map[string]esbuild.Target{
	`esnext`: esbuild.ESNext,
	`es5`:    esbuild.ES5,
	`es2015`: esbuild.ES2015,
	`es2017`: esbuild.ES2017,
	`es2020`: esbuild.ES2020,
	`es2022`: esbuild.ES2022,
}

// jsPlugin compiles scripts, JSX, TypeScript and JSON into CommonJS modules.
//
// Options: jsx_factory and jsx_fragment override the JSX helpers; target selects the language level, such as "es2017".
func jsPlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	if in.Kind != Source && in.Kind != Script {
		return in, errors.Errorf(`js cannot compile a %v payload`, in.Kind)
	}
	loader, ok := loaders[in.Ext]
	if !ok {
		loader = esbuild.LoaderJS
	}
	factory, err := options.String(`jsx_factory`, ``)
	if err != nil {
		return in, err
	}
	fragment, err := options.String(`jsx_fragment`, ``)
	if err != nil {
		return in, err
	}
	targetName, err := options.String(`target`, `esnext`)
	if err != nil {
		return in, err
	}
	target, ok := targets[strings.ToLower(targetName)]
	if !ok {
		return in, errors.Errorf(`unsupported target %q`, targetName)
	}

	if loader == esbuild.LoaderJSON {
		ret := esbuild.Transform(string(in.Code), esbuild.TransformOptions{
			Loader:     loader,
			Format:     esbuild.FormatCommonJS,
			Sourcefile: c.Module.Name,
		})
		if len(ret.Errors) > 0 {
			return in, messages(ret.Errors)
		}
		return Payload{Kind: Script, Ext: `.js`, Code: ret.Code}, nil
	}

	// import() calls are implemented by the runtime so that async chunks can be fetched first.  externalImports
	// tags each one esbuild parses, leaving look-alikes in strings and comments alone.
	tag := fmt.Sprintf(`pack-async-%016x:`, xxhash.Sum64(in.Code))
	ret := esbuild.Build(esbuild.BuildOptions{
		Stdin:       &esbuild.StdinOptions{Contents: string(in.Code), Loader: loader, Sourcefile: c.Module.Name},
		Bundle:      true,
		Write:       false,
		LogLevel:    esbuild.LogLevelSilent,
		Format:      esbuild.FormatCommonJS,
		Target:      target,
		Supported:   map[string]bool{`dynamic-import`: true},
		JSXFactory:  factory,
		JSXFragment: fragment,
		Plugins:     []esbuild.Plugin{externalImports(tag)},
	})
	if len(ret.Errors) > 0 {
		return in, messages(ret.Errors)
	}
	if len(ret.OutputFiles) != 1 {
		return in, errors.Errorf(`esbuild produced %d outputs`, len(ret.OutputFiles))
	}
	code := bytes.ReplaceAll(ret.OutputFiles[0].Contents, []byte(`import("`+tag), []byte(`__pack_import__("`))
	return Payload{Kind: Script, Ext: `.js`, Code: code}, nil
}

// externalImports leaves every import to the runtime's require, prefixing dynamic imports with tag.
func externalImports(tag string) esbuild.Plugin {
	return esbuild.Plugin{
		Name: `pack-externals`,
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					if args.Kind == esbuild.ResolveJSDynamicImport {
						return esbuild.OnResolveResult{Path: tag + args.Path, External: true}, nil
					}
					return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
				})
		},
	}
}

var (
	rxCSSImport = regexp.MustCompile(`@import\s+(?:url\(\s*)?["']?([^"')\s;]+)["']?\s*\)?[^;]*;\s*`)
	rxCSSURL    = regexp.MustCompile(`url\(\s*["']?([^"')]+?)["']?\s*\)`)
)

// cssPlugin checks and normalizes a stylesheet.  Imports of other stylesheet modules are dropped, since those
// modules are emitted ahead of this one, and url() references to modules are replaced with placeholders that the
// emitter fills in with the referenced module's URL.
func cssPlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	if in.Kind != Source && in.Kind != Stylesheet {
		return in, errors.Errorf(`css cannot process a %v payload`, in.Kind)
	}
	ret := esbuild.Transform(string(in.Code), esbuild.TransformOptions{
		Loader:     esbuild.LoaderCSS,
		Sourcefile: c.Module.Name,
	})
	if len(ret.Errors) > 0 {
		return in, messages(ret.Errors)
	}
	code := rxCSSImport.ReplaceAllFunc(ret.Code, func(match []byte) []byte {
		sub := rxCSSImport.FindSubmatch(match)
		if c.Dependency(string(sub[1])) != nil {
			return nil
		}
		return match
	})
	code = rxCSSURL.ReplaceAllFunc(code, func(match []byte) []byte {
		sub := rxCSSURL.FindSubmatch(match)
		dep := c.Dependency(string(sub[1]))
		if dep == nil {
			return match
		}
		return []byte(`url("` + graph.URLPlaceholder(dep.ID) + `")`)
	})
	return Payload{Kind: Stylesheet, Ext: `.css`, Code: code}, nil
}

// messages converts esbuild diagnostics into a single error.
func messages(msgs []esbuild.Message) error {
	lines := esbuild.FormatMessages(msgs, esbuild.FormatMessagesOptions{Kind: esbuild.ErrorMessage})
	return errors.New(strings.TrimSpace(strings.Join(lines, ``)))
}
