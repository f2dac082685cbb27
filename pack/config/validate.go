package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/swdunlop/pack-go/pack/report"
)

// Warning codes.
const (
	// WarnDuplicateRule is issued when two or more rules match the same file type.  Every matching rule runs and
	// produces its own output, which is rarely what was intended for stylesheets.
	WarnDuplicateRule = `duplicate-rule`

	// WarnLiteralFilename is issued when several chunks would be written to a file name without placeholders.
	WarnLiteralFilename = `literal-filename`
)

// A Warning describes a legal configuration that is probably a mistake.
type Warning struct {
	Code    string
	Message string
	Rules   []int // rule indexes involved, if any
}

func (w Warning) String() string { return w.Code + `: ` + w.Message }

// probeExtensions are the file types checked for overlapping rules.
var probeExtensions = []string{
	`.js`, `.mjs`, `.cjs`, `.jsx`, `.ts`, `.tsx`, `.json`, `.wasm`,
	`.css`, `.scss`, `.sass`, `.less`, `.html`, `.txt`,
	`.png`, `.jpg`, `.jpeg`, `.gif`, `.svg`, `.webp`, `.woff`, `.woff2`,
}

// Validate checks the shape of the configuration.  Known reports whether a plugin name is registered; if nil, plugin
// names are not checked.  Fatal problems are returned together as one error.
func (cfg *Config) Validate(known func(string) bool) ([]Warning, error) {
	var errs report.List
	var warnings []Warning
	fail := func(format string, args ...any) {
		errs.Push(errors.Errorf(format, args...))
	}

	if len(cfg.Entries) == 0 {
		fail(`no entries configured`)
	}
	entryNames := make(map[string]bool, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		if entryNames[entry.Name] {
			fail(`entry %q is declared more than once`, entry.Name)
		}
		entryNames[entry.Name] = true
		if len(entry.Modules) == 0 {
			fail(`entry %q has no modules`, entry.Name)
		}
	}

	tests := make([]*regexp.Regexp, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		rx, err := regexp.Compile(rule.Test)
		if err != nil {
			fail(`rule %d: invalid test %q: %v`, i, rule.Test, err)
		}
		tests[i] = rx
		for _, pattern := range append(append([]string(nil), rule.Include...), rule.Exclude...) {
			if _, err := CompileFilter(cfg.Context, pattern); err != nil {
				fail(`rule %d: %v`, i, err)
			}
		}
		if len(rule.Use) == 0 {
			fail(`rule %d: no plugins in chain`, i)
		}
		for _, use := range rule.Use {
			if known != nil && !known(use.Plugin) {
				fail(`rule %d: unknown plugin %q`, i, use.Plugin)
			}
			if !use.Options.IsNull() && !use.Options.Type().IsObjectType() && !use.Options.Type().IsMapType() {
				fail(`rule %d: options for %q must be an object`, i, use.Plugin)
			}
		}
		if rule.Extract != nil && rule.Extract.Fallback != `` && known != nil && !known(rule.Extract.Fallback) {
			fail(`rule %d: unknown fallback plugin %q`, i, rule.Extract.Fallback)
		}
	}
	warnings = append(warnings, duplicateRules(tests)...)

	chunkNames := make(map[string]bool, len(cfg.Chunks))
	enforced := make(map[string]string) // test -> target
	for i, rule := range cfg.Chunks {
		if chunkNames[rule.Name] {
			fail(`chunk rule %q is declared more than once`, rule.Name)
		}
		chunkNames[rule.Name] = true
		if _, err := regexp.Compile(rule.Test); err != nil {
			fail(`chunk rule %d: invalid test %q: %v`, i, rule.Test, err)
		}
		switch rule.Chunks {
		case ScopeAll, ScopeInitial, ScopeAsync:
		default:
			fail(`chunk rule %q: unknown scope %q`, rule.Name, rule.Chunks)
		}
		if !rule.Enforce {
			continue
		}
		if other, ok := enforced[rule.Test]; ok && other != rule.Name {
			errs.Push(&report.AllocationError{Targets: []string{other, rule.Name}})
			continue
		}
		enforced[rule.Test] = rule.Name
	}

	if len(cfg.Entries)+len(cfg.Chunks) > 1 && !strings.Contains(cfg.Output.Filename, `[`) {
		warnings = append(warnings, Warning{
			Code:    WarnLiteralFilename,
			Message: fmt.Sprintf(`output filename %q has no placeholder but several chunks are built`, cfg.Output.Filename),
		})
	}

	if d, err := time.ParseDuration(cfg.Transform.Timeout); err != nil || d <= 0 {
		fail(`transform timeout %q is not a positive duration`, cfg.Transform.Timeout)
	}

	return warnings, errs.Err(report.PhaseConfig)
}

func duplicateRules(tests []*regexp.Regexp) []Warning {
	var warnings []Warning
	reported := make(map[string]bool)
	for _, ext := range probeExtensions {
		probe := `/probe/file` + ext
		var hits []int
		for i, rx := range tests {
			if rx != nil && rx.MatchString(probe) {
				hits = append(hits, i)
			}
		}
		if len(hits) < 2 {
			continue
		}
		key := fmt.Sprint(hits)
		if reported[key] {
			continue
		}
		reported[key] = true
		sort.Ints(hits)
		warnings = append(warnings, Warning{
			Code:    WarnDuplicateRule,
			Message: fmt.Sprintf(`rules %v all match %s files; each will produce its own output`, hits, ext),
			Rules:   hits,
		})
	}
	return warnings
}

// A Filter matches absolute module paths against an include or exclude pattern.
type Filter struct {
	prefix string
	glob   glob.Glob
}

// CompileFilter compiles a pattern relative to the context directory.  Patterns without glob syntax name a file or a
// directory and match everything beneath it.
func CompileFilter(context, pattern string) (Filter, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(context, pattern)
	}
	if !strings.ContainsAny(pattern, `*?[{`) {
		return Filter{prefix: filepath.Clean(pattern)}, nil
	}
	g, err := glob.Compile(filepath.ToSlash(pattern), '/')
	if err != nil {
		return Filter{}, fmt.Errorf(`%w in %q`, err, pattern)
	}
	return Filter{glob: g}, nil
}

// Match reports whether path is matched by the filter.
func (f Filter) Match(path string) bool {
	if f.glob != nil {
		return f.glob.Match(filepath.ToSlash(path))
	}
	return path == f.prefix || strings.HasPrefix(path, f.prefix+string(filepath.Separator))
}
