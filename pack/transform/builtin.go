package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Builtins returns the plugins every pipeline starts with.
func Builtins() map[string]Plugin {
	return map[string]Plugin{
		`js`:    PluginFunc(jsPlugin),
		`css`:   PluginFunc(cssPlugin),
		`style`: PluginFunc(stylePlugin),
		`url`:   PluginFunc(urlPlugin),
		`image`: PluginFunc(imagePlugin),
		`file`:  PluginFunc(filePlugin),
		`exec`:  PluginFunc(execPlugin),
		`raw`:   PluginFunc(rawPlugin),
	}
}

// stylePlugin turns a stylesheet into a script that installs it in the page when the module runs.  The runtime keys
// style elements by module name, so running an updated module replaces the old stylesheet instead of adding another.
func stylePlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	if in.Kind != Stylesheet {
		return in, errors.Errorf(`style expects a stylesheet, not a %v payload`, in.Kind)
	}
	css, err := json.Marshal(string(in.Code))
	if err != nil {
		return in, err
	}
	var buf bytes.Buffer
	buf.WriteString(`__pack__.style(module.id, `)
	buf.Write(css)
	buf.WriteString(");\n")
	return Payload{Kind: Script, Ext: `.js`, Code: buf.Bytes()}, nil
}

// rawPlugin exports the payload as a string.
func rawPlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	if in.Kind == Script {
		return in, errors.New(`raw cannot export a compiled script`)
	}
	return Payload{Kind: Script, Ext: `.js`, Code: exportString(string(in.Code))}, nil
}

var outputKinds = map[string]struct {
	kind Kind
	ext  string
}{
	`css`:        {Stylesheet, `.css`},
	`stylesheet`: {Stylesheet, `.css`},
	`js`:         {Source, `.js`},
	`script`:     {Script, `.js`},
	`binary`:     {Binary, ``},
}

// execPlugin pipes the payload through an external command, such as a stylesheet preprocessor, and reads the result
// from its standard output.  The command runs in the module's directory.
//
// Options: command is the argument list; output names the payload produced ("css", "js", "script" or "binary",
// default "css").
func execPlugin(ctx context.Context, in Payload, options Options, c *Context) (Payload, error) {
	command, err := options.Strings(`command`)
	if err != nil {
		return in, err
	}
	if len(command) == 0 {
		return in, errors.New(`exec requires a command`)
	}
	output, err := options.String(`output`, `css`)
	if err != nil {
		return in, err
	}
	out, ok := outputKinds[output]
	if !ok {
		return in, errors.Errorf(`unsupported output %q`, output)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = filepath.Dir(c.Module.ID)
	cmd.Stdin = bytes.NewReader(in.Code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != `` {
			return in, errors.Wrapf(err, `%s failed: %s`, command[0], msg)
		}
		return in, errors.Wrapf(err, `%s failed`, command[0])
	}
	ext := out.ext
	if ext == `` {
		ext = in.Ext
	}
	return Payload{Kind: out.kind, Ext: ext, Code: stdout.Bytes()}, nil
}
