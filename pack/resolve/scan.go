package resolve

import (
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/swdunlop/pack-go/pack/graph"
)

// scanLoaders selects how esbuild parses each scanned extension.
var scanLoaders = map[string]esbuild.Loader{
	`.js`:  esbuild.LoaderJS,
	`.mjs`: esbuild.LoaderJS,
	`.cjs`: esbuild.LoaderJS,
	`.jsx`: esbuild.LoaderJSX,
	`.ts`:  esbuild.LoaderTS,
	`.tsx`: esbuild.LoaderTSX,
	`.css`: esbuild.LoaderCSS,
}

// Scan returns the dependency requests declared by a module, in source order.  Requests for data URLs, absolute URLs
// and fragments are not dependencies and are omitted; repeated requests are reported once.
//
// The module is parsed by esbuild, with a plugin that records each import esbuild would resolve and leaves it
// external, so specifiers that only appear in comments, strings or templates are not requests.  A module that does
// not parse declares nothing; the transform pipeline reports its syntax errors.
func Scan(ext string, content []byte) []graph.Request {
	loader, ok := scanLoaders[ext]
	if !ok {
		return nil
	}
	var (
		lock sync.Mutex
		seq  []graph.Request
		seen = make(map[graph.Request]bool)
	)
	record := esbuild.Plugin{
		Name: `pack-scan`,
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					req, ok := requestOf(args)
					if ok && !external(req.Specifier) {
						lock.Lock()
						if !seen[req] {
							seen[req] = true
							seq = append(seq, req)
						}
						lock.Unlock()
					}
					return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
				})
		},
	}
	esbuild.Build(esbuild.BuildOptions{
		Stdin:    &esbuild.StdinOptions{Contents: string(content), Loader: loader, Sourcefile: `scan` + ext},
		Bundle:   true,
		Write:    false,
		LogLevel: esbuild.LogLevelSilent,
		Plugins:  []esbuild.Plugin{record},
	})
	lock.Lock()
	defer lock.Unlock()
	return seq
}

// requestOf converts the import esbuild is resolving into a request, if it is one the graph follows.
func requestOf(args esbuild.OnResolveArgs) (graph.Request, bool) {
	req := graph.Request{Specifier: args.Path}
	switch args.Kind {
	case esbuild.ResolveJSImportStatement, esbuild.ResolveJSRequireCall:
	case esbuild.ResolveJSDynamicImport:
		req.Async = true
	case esbuild.ResolveCSSImportRule:
		req.Kind = graph.StyleImport
	case esbuild.ResolveCSSURLToken:
		req.Kind = graph.StyleURL
	default:
		return req, false
	}
	return req, true
}

// external reports whether a specifier refers to something outside the module graph.
func external(spec string) bool {
	switch {
	case spec == ``, strings.HasPrefix(spec, `#`):
		return true
	case strings.HasPrefix(spec, `data:`), strings.HasPrefix(spec, `//`):
		return true
	case strings.Contains(spec, `://`):
		return true
	}
	return false
}

// IsScript reports whether modules with the given extension are scanned as scripts.
func IsScript(ext string) bool {
	loader, ok := scanLoaders[ext]
	return ok && loader != esbuild.LoaderCSS
}
