package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/jpeg"
	"image/png"
	"mime"
	"net/http"

	"github.com/pkg/errors"
)

// mimeType guesses the media type of an asset from its extension, then from its content.
func mimeType(in Payload) string {
	if t := mime.TypeByExtension(in.Ext); t != `` {
		return t
	}
	return http.DetectContentType(in.Code)
}

// exportString returns a script exporting s.
func exportString(s string) []byte {
	js, _ := json.Marshal(s)
	return append(append([]byte(`module.exports = `), js...), ';', '\n')
}

// urlPlugin inlines small binary payloads as data URLs.  Payloads larger than the limit option pass through
// unchanged so a later plugin can emit them; a limit of zero inlines everything.
func urlPlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	limit, err := options.Int(`limit`, 0)
	if err != nil {
		return in, err
	}
	if in.Kind != Binary && in.Kind != Source {
		return in, errors.Errorf(`url cannot inline a %v payload`, in.Kind)
	}
	if limit > 0 && len(in.Code) > limit {
		return in, nil
	}
	url := `data:` + mimeType(in) + `;base64,` + base64.StdEncoding.EncodeToString(in.Code)
	c.SetURL(url)
	return Payload{Kind: Script, Ext: `.js`, Code: exportString(url)}, nil
}

// imagePlugin re-encodes raster images.  JPEG images are re-encoded at the quality option (default 75) and PNG images
// with the best compression; the result is kept only if it is smaller.  Other payloads, including images already
// inlined by an earlier plugin, pass through unchanged.
func imagePlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	quality, err := options.Int(`quality`, 75)
	if err != nil {
		return in, err
	}
	if quality < 1 || quality > 100 {
		return in, errors.Errorf(`quality %d is not between 1 and 100`, quality)
	}
	if in.Kind != Binary {
		return in, nil
	}
	var buf bytes.Buffer
	switch in.Ext {
	case `.jpg`, `.jpeg`:
		img, err := jpeg.Decode(bytes.NewReader(in.Code))
		if err != nil {
			return in, errors.Wrap(err, `decoding jpeg`)
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return in, errors.Wrap(err, `encoding jpeg`)
		}
	case `.png`:
		img, err := png.Decode(bytes.NewReader(in.Code))
		if err != nil {
			return in, errors.Wrap(err, `decoding png`)
		}
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return in, errors.Wrap(err, `encoding png`)
		}
	default:
		return in, nil
	}
	if buf.Len() >= len(in.Code) {
		return in, nil
	}
	return Payload{Kind: Binary, Ext: in.Ext, Code: buf.Bytes()}, nil
}

// filePlugin emits a binary payload as a separate asset and exports its public URL.
func filePlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	if in.Kind != Binary && in.Kind != Source {
		return in, nil
	}
	name, err := options.String(`name`, ``)
	if err != nil {
		return in, err
	}
	if name == `` {
		name = c.AssetName(in.Code)
	}
	c.Emit(name, in.Code)
	url := c.PublicURL(name)
	c.SetURL(url)
	return Payload{Kind: Script, Ext: `.js`, Code: exportString(url)}, nil
}
