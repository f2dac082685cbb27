package emit

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fields are the values substituted into a file name template.
type Fields struct {
	Name        string // [name]
	ID          string // [id]
	Ext         string // [ext], without the leading dot
	Hash        string // [hash]
	ContentHash string // [chunkhash] and [contenthash]
}

var rxPlaceholder = regexp.MustCompile(`\[(name|id|ext|hash|chunkhash|contenthash)(?::(\d+))?\]`)

// Filename expands a template such as "[name].[chunkhash:8].js".  A ":N" suffix truncates a value to N characters.
// Unknown placeholders are left alone.
func Filename(template string, f Fields) string {
	return rxPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		sub := rxPlaceholder.FindStringSubmatch(match)
		var v string
		switch sub[1] {
		case `name`:
			v = f.Name
		case `id`:
			v = f.ID
		case `ext`:
			v = f.Ext
		case `hash`:
			v = f.Hash
		case `chunkhash`, `contenthash`:
			v = f.ContentHash
		}
		if sub[2] != `` {
			n, _ := strconv.Atoi(sub[2])
			if n < len(v) {
				v = v[:n]
			}
		}
		return v
	})
}

// Hash returns the hex content hash used for [hash] and [chunkhash].
func Hash(data ...[]byte) string {
	d := xxhash.New()
	for _, b := range data {
		_, _ = d.Write(b)
	}
	return fmt.Sprintf(`%016x`, d.Sum64())
}
