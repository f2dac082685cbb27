package emit

import (
	"encoding/json"

	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/report"
)

// ManifestName is the name of the manifest artifact.
const ManifestName = `manifest.json`

// A ManifestDoc describes a build in the shape of an esbuild metafile: module names map to their imports, artifact
// names to the modules they contain.
type ManifestDoc struct {
	Inputs  map[string]ManifestInput  `json:"inputs"`
	Outputs map[string]ManifestOutput `json:"outputs"`
}

type ManifestInput struct {
	Bytes   int              `json:"bytes"`
	Imports []ManifestImport `json:"imports"`
}

type ManifestImport struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type ManifestOutput struct {
	Bytes      int      `json:"bytes"`
	Kind       string   `json:"kind"`
	Chunk      string   `json:"chunk,omitempty"`
	Inputs     []string `json:"inputs,omitempty"`
	EntryPoint string   `json:"entryPoint,omitempty"`
}

func importKind(req graph.Request) string {
	switch {
	case req.Kind == graph.StyleImport:
		return `import-rule`
	case req.Kind == graph.StyleURL:
		return `url-token`
	case req.Async:
		return `dynamic-import`
	}
	return `import-statement`
}

func (ps *pass) manifestArtifact() {
	doc := ManifestDoc{Inputs: make(map[string]ManifestInput), Outputs: make(map[string]ManifestOutput)}
	for _, m := range ps.g.Sorted() {
		in := ManifestInput{Bytes: m.Size(), Imports: []ManifestImport{}}
		for _, ref := range m.Deps {
			if ref != nil && ref.Target != nil {
				in.Imports = append(in.Imports, ManifestImport{Path: moduleName(ref.Target), Kind: importKind(ref.Request)})
			}
		}
		doc.Inputs[moduleName(m)] = in
	}
	for _, a := range ps.res.Artifacts {
		out := ManifestOutput{Bytes: len(a.Data), Kind: a.Kind.String(), Chunk: a.Chunk}
		for _, id := range a.Modules {
			if m := ps.g.Get(id); m != nil {
				out.Inputs = append(out.Inputs, moduleName(m))
			}
		}
		if c := ps.cg.Chunk(a.Chunk); c != nil && c.Entry && a.Kind == ScriptArtifact && len(c.Roots) > 0 {
			out.EntryPoint = moduleName(c.Roots[0])
		}
		doc.Outputs[a.Name] = out
	}
	js, err := json.MarshalIndent(doc, ``, `  `)
	if err != nil {
		ps.errs.Push(&report.EmitError{Artifact: ManifestName, Err: err})
		return
	}
	ps.add(&Artifact{Name: ManifestName, Kind: ManifestArtifact, Data: js})
}
