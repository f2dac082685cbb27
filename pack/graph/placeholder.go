package graph

import "regexp"

var rxURLPlaceholder = regexp.MustCompile(`%pack-url\{([^}]*)\}%`)

// URLPlaceholder returns the token a transformed module uses to refer to the URL of module id before chunks are
// named.  The emitter replaces it with the module's Unit.URL.
func URLPlaceholder(id string) string { return `%pack-url{` + id + `}%` }

// ReplaceURLPlaceholders replaces every placeholder in code with the result of fn.
func ReplaceURLPlaceholders(code []byte, fn func(id string) string) []byte {
	return rxURLPlaceholder.ReplaceAllFunc(code, func(match []byte) []byte {
		sub := rxURLPlaceholder.FindSubmatch(match)
		return []byte(fn(string(sub[1])))
	})
}
