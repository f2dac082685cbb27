package emit

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// MinifyJS compacts a script with esbuild.  Top level names are left alone, since chunk scripts share the page scope
// through them.
func MinifyJS(code []byte) ([]byte, error) {
	return minify(code, esbuild.LoaderJS)
}

// MinifyCSS compacts a stylesheet with esbuild.
func MinifyCSS(code []byte) ([]byte, error) {
	return minify(code, esbuild.LoaderCSS)
}

func minify(code []byte, loader esbuild.Loader) ([]byte, error) {
	ret := esbuild.Transform(string(code), esbuild.TransformOptions{
		Loader:            loader,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		LegalComments:     esbuild.LegalCommentsInline,
	})
	if len(ret.Errors) > 0 {
		msgs := esbuild.FormatMessages(ret.Errors, esbuild.FormatMessagesOptions{Kind: esbuild.ErrorMessage})
		return nil, fmt.Errorf(`minify failed: %s`, strings.TrimSpace(strings.Join(msgs, "\n")))
	}
	return ret.Code, nil
}
