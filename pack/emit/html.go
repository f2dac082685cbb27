package emit

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"github.com/swdunlop/pack-go/pack/report"
	"golang.org/x/net/html"
)

const defaultShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
</head>
<body>
</body>
</html>
`

// shell renders the HTML artifact, referencing the artifacts of every initial chunk.  Shared chunks come before entry
// chunks so entry modules find their dependencies registered.
func (ps *pass) shell() {
	template := []byte(defaultShell)
	if ps.htmlTemplate != `` {
		b, err := afero.ReadFile(ps.fs, ps.htmlTemplate)
		if err != nil {
			ps.errs.Push(&report.EmitError{Artifact: ps.htmlFilename, Err: err})
			return
		}
		template = b
	}
	var stylesheets, scripts []string
	for _, entry := range []bool{false, true} {
		for _, c := range ps.cg.Chunks {
			if !c.Initial() || c.Entry != entry {
				continue
			}
			files := ps.files[c.Name]
			if files[1] != `` {
				stylesheets = append(stylesheets, ps.URL(files[1]))
			}
			if files[0] != `` {
				scripts = append(scripts, ps.URL(files[0]))
			}
		}
	}
	if ps.hotClient != `` {
		scripts = append(scripts, ps.hotClient)
	}
	data, err := Shell(template, stylesheets, scripts, ps.minifyHTML)
	if err != nil {
		ps.errs.Push(&report.EmitError{Artifact: ps.htmlFilename, Err: err})
		return
	}
	ps.add(&Artifact{Name: ps.htmlFilename, Kind: HTMLArtifact, Data: data})
}

// MinifyHTML compacts a page the same way Shell does, without injecting anything.
func MinifyHTML(page []byte) ([]byte, error) {
	return Shell(page, nil, nil, true)
}

var rxSpace = regexp.MustCompile(`[ \t\r\n\f]+`)

// Shell injects stylesheet links before </head> and scripts before </body> of an HTML template.  Missing elements are
// tolerated: links go before <body> if there is no </head>, and anything left is appended.
//
// When minify is set, comments other than conditional comments are removed, whitespace is collapsed outside pre and
// textarea, and inline scripts and styles are compacted with esbuild.
func Shell(template []byte, stylesheets, scripts []string, minify bool) ([]byte, error) {
	var buf bytes.Buffer
	sep := "\n"
	if minify {
		sep = ``
	}
	headDone, bodyDone := false, false
	links := func() {
		if headDone {
			return
		}
		headDone = true
		for _, href := range stylesheets {
			fmt.Fprintf(&buf, `<link rel="stylesheet" href="%s">%s`, html.EscapeString(href), sep)
		}
	}
	tags := func() {
		if bodyDone {
			return
		}
		bodyDone = true
		for _, src := range scripts {
			fmt.Fprintf(&buf, `<script src="%s"></script>%s`, html.EscapeString(src), sep)
		}
	}

	z := html.NewTokenizer(bytes.NewReader(template))
	rawTag, rawJS := ``, false // enclosing script or style element
	keep := 0                  // depth of pre and textarea elements
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			links()
			tags()
			return buf.Bytes(), nil
		}
		raw := append([]byte(nil), z.Raw()...)
		switch tt {
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case `body`:
				links()
			case `pre`, `textarea`:
				keep++
			case `script`, `style`:
				rawTag, rawJS = string(name), string(name) == `script`
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == `type` && !scriptType(string(v)) {
						rawJS = false
					}
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case `head`:
				links()
			case `body`:
				tags()
			case `pre`, `textarea`:
				if keep > 0 {
					keep--
				}
			case rawTag:
				rawTag = ``
			}
		case html.CommentToken:
			if minify && !bytes.HasPrefix(raw, []byte(`<!--[if`)) {
				continue
			}
		case html.TextToken:
			if minify {
				raw = compactText(raw, rawTag, rawJS, keep > 0)
			}
		}
		buf.Write(raw)
	}
}

func scriptType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case ``, `text/javascript`, `application/javascript`, `module`:
		return true
	}
	return false
}

func compactText(text []byte, rawTag string, js, keep bool) []byte {
	switch {
	case rawTag == `script`:
		if !js || len(bytes.TrimSpace(text)) == 0 {
			return text
		}
		if small, err := MinifyJS(text); err == nil {
			return bytes.TrimRight(small, "\n")
		}
		return text
	case rawTag == `style`:
		if small, err := MinifyCSS(text); err == nil {
			return bytes.TrimRight(small, "\n")
		}
		return text
	case keep:
		return text
	case len(bytes.TrimSpace(text)) == 0:
		if bytes.ContainsAny(text, "\r\n") {
			return nil
		}
		return []byte(` `)
	}
	return rxSpace.ReplaceAll(text, []byte(` `))
}
