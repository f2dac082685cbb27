package cache

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/transform"
)

func sampleUnit() *graph.Unit {
	return &graph.Unit{
		URL: `/assets/3f2a1b4c.png`,
		Outputs: []graph.Output{
			{Rule: -1, Kind: graph.ScriptOutput, Code: []byte(`module.exports = "/assets/3f2a1b4c.png";`),
				Assets: []graph.Asset{{Name: `3f2a1b4c.png`, Data: []byte{0x89, 'P', 'N', 'G'}}}},
			{Rule: 2, Kind: graph.StylesheetOutput, Code: []byte(`.a { color: red }`)},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, `/cache`)
	key := transform.Key{Module: `/proj/src/logo.png`, Hash: 1, Chain: 2}
	require.NoError(t, s.Save(key, sampleUnit()))

	unit, ok := s.Load(key)
	require.True(t, ok)
	assert.Equal(t, sampleUnit(), unit)

	_, ok = s.Load(transform.Key{Module: key.Module, Hash: 3, Chain: 2})
	assert.False(t, ok, `content changed`)
	_, ok = s.Load(transform.Key{Module: key.Module, Hash: 1, Chain: 4})
	assert.False(t, ok, `chain changed`)
	_, ok = s.Load(transform.Key{Module: `/proj/other.js`, Hash: 1, Chain: 2})
	assert.False(t, ok, `other module`)
}

func TestSaveReplacesEarlierUnit(t *testing.T) {
	s := New(afero.NewMemMapFs(), `/cache`)
	k1 := transform.Key{Module: `/proj/a.js`, Hash: 1}
	k2 := transform.Key{Module: `/proj/a.js`, Hash: 2}
	require.NoError(t, s.Save(k1, sampleUnit()))
	require.NoError(t, s.Save(k2, &graph.Unit{Outputs: []graph.Output{{Code: []byte(`2`)}}}))

	_, ok := s.Load(k1)
	assert.False(t, ok)
	unit, ok := s.Load(k2)
	require.True(t, ok)
	assert.Equal(t, `2`, string(unit.Outputs[0].Code))

	require.NoError(t, s.Forget(`/proj/a.js`))
	require.NoError(t, s.Forget(`/proj/a.js`))
	_, ok = s.Load(k2)
	assert.False(t, ok)
}

func TestCorruptFilesMiss(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, `/cache`)
	key := transform.Key{Module: `/proj/a.js`}
	require.NoError(t, afero.WriteFile(fs, s.path(key.Module), []byte{0x93, 0x01}, 0o644))
	_, ok := s.Load(key)
	assert.False(t, ok)
}

func TestPipelineUsesStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, `/cache`)
	p, err := transform.New(transform.WithStore(store))
	require.NoError(t, err)

	m := graph.NewPlaceholder(`/proj/a.js`)
	m.Name = `./a.js`
	m.Fill([]byte(`export default 42`), nil)
	first, err := p.Transform(context.Background(), m)
	require.NoError(t, err)

	files, err := afero.ReadDir(fs, `/cache`)
	require.NoError(t, err)
	require.Len(t, files, 1)

	second, err := p.Transform(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, first.Outputs[0].Code, second.Outputs[0].Code)
}
