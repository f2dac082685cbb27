package graph

// An OutputKind says where an output ends up when its chunk is emitted.
type OutputKind int

const (
	ScriptOutput     OutputKind = iota // wrapped into the chunk script
	StylesheetOutput                   // concatenated into the chunk stylesheet
)

func (k OutputKind) String() string {
	if k == StylesheetOutput {
		return `stylesheet`
	}
	return `script`
}

// A Unit is the normalized result of transforming a module.  When more than one rule matches a module, each rule
// contributes its own output; outputs are never merged.
type Unit struct {
	Outputs []Output

	// URL is set for asset modules: a data URL or the public path of the emitted file.  Stylesheets referencing the
	// module through url() are rewritten to it when emitted.
	URL string
}

// Scripts returns the script outputs in rule order.
func (u *Unit) Scripts() []Output { return u.filter(ScriptOutput) }

// Stylesheets returns the extracted stylesheet outputs in rule order.
func (u *Unit) Stylesheets() []Output { return u.filter(StylesheetOutput) }

// Assets returns the side artifacts of every output.
func (u *Unit) Assets() []Asset {
	if u == nil {
		return nil
	}
	var seq []Asset
	for _, out := range u.Outputs {
		seq = append(seq, out.Assets...)
	}
	return seq
}

func (u *Unit) filter(kind OutputKind) []Output {
	if u == nil {
		return nil
	}
	var seq []Output
	for _, out := range u.Outputs {
		if out.Kind == kind {
			seq = append(seq, out)
		}
	}
	return seq
}

// An Output is what one matched rule produced for a module.
type Output struct {
	Rule   int // index of the rule in configuration order, -1 for the default chain
	Kind   OutputKind
	Code   []byte
	Assets []Asset
}

// An Asset is a side artifact emitted by a plugin, such as an image too large to inline.
type Asset struct {
	Name string
	Data []byte
}
