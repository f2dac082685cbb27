// Package cache persists transformed units between builds as MessagePack files, one file per module.
//
// Each file records the content hash and chain signature the unit was produced for; a lookup with a different hash or
// signature misses, and the next save replaces the file.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"github.com/swdunlop/pack-go/pack/graph"
	"github.com/swdunlop/pack-go/pack/transform"
	"github.com/tinylib/msgp/msgp"
)

// version is bumped whenever the record layout changes.
const version = 1

// A Store is a transform.Store backed by a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

var _ transform.Store = (*Store)(nil)

// New returns a store keeping its files in dir.
func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(module string) string {
	return filepath.Join(s.dir, fmt.Sprintf(`%016x.msgp`, xxhash.Sum64String(module)))
}

// Load returns the cached unit for key, if one was saved for the same content and chain.
func (s *Store) Load(key transform.Key) (*graph.Unit, bool) {
	b, err := afero.ReadFile(s.fs, s.path(key.Module))
	if err != nil {
		return nil, false
	}
	var rec record
	if _, err := rec.UnmarshalMsg(b); err != nil {
		return nil, false
	}
	if rec.Version != version || rec.Key != key {
		return nil, false
	}
	return rec.Unit, true
}

// Save records unit for key, replacing any earlier unit for the same module.
func (s *Store) Save(key transform.Key, unit *graph.Unit) error {
	rec := record{Version: version, Key: key, Unit: unit}
	b, err := rec.MarshalMsg(make([]byte, 0, rec.Msgsize()))
	if err != nil {
		return fmt.Errorf(`%w while encoding %s`, err, key.Module)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := s.path(key.Module)
	tmp := path + `.tmp`
	if err := afero.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

// Forget removes the cached unit for a module.
func (s *Store) Forget(module string) error {
	err := s.fs.Remove(s.path(module))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// A record is the content of one cache file.
type record struct {
	Version int
	Key     transform.Key
	Unit    *graph.Unit
}

// Msgsize implements msgp.Sizer
func (rec *record) Msgsize() int {
	n := msgp.ArrayHeaderSize + msgp.IntSize +
		msgp.StringPrefixSize + len(rec.Key.Module) + 2*msgp.Uint64Size +
		msgp.ArrayHeaderSize + msgp.StringPrefixSize + len(rec.Unit.URL) + msgp.ArrayHeaderSize
	for _, out := range rec.Unit.Outputs {
		n += msgp.ArrayHeaderSize + 2*msgp.IntSize + msgp.BytesPrefixSize + len(out.Code) + msgp.ArrayHeaderSize
		for _, a := range out.Assets {
			n += msgp.ArrayHeaderSize + msgp.StringPrefixSize + len(a.Name) + msgp.BytesPrefixSize + len(a.Data)
		}
	}
	return n
}

// MarshalMsg implements msgp.Marshaler
func (rec *record) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 6)
	b = msgp.AppendInt(b, rec.Version)
	b = msgp.AppendString(b, rec.Key.Module)
	b = msgp.AppendUint64(b, rec.Key.Hash)
	b = msgp.AppendUint64(b, rec.Key.Chain)
	b = msgp.AppendString(b, rec.Unit.URL)
	b = msgp.AppendArrayHeader(b, uint32(len(rec.Unit.Outputs)))
	for _, out := range rec.Unit.Outputs {
		b = msgp.AppendArrayHeader(b, 4)
		b = msgp.AppendInt(b, out.Rule)
		b = msgp.AppendInt(b, int(out.Kind))
		b = msgp.AppendBytes(b, out.Code)
		b = msgp.AppendArrayHeader(b, uint32(len(out.Assets)))
		for _, a := range out.Assets {
			b = msgp.AppendArrayHeader(b, 2)
			b = msgp.AppendString(b, a.Name)
			b = msgp.AppendBytes(b, a.Data)
		}
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (rec *record) UnmarshalMsg(b []byte) (o []byte, err error) {
	var sz uint32
	if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return b, err
	} else if sz != 6 {
		return b, msgp.ArrayError{Wanted: 6, Got: sz}
	}
	if rec.Version, b, err = msgp.ReadIntBytes(b); err != nil {
		return b, err
	}
	if rec.Key.Module, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if rec.Key.Hash, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if rec.Key.Chain, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	unit := new(graph.Unit)
	if unit.URL, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return b, err
	}
	unit.Outputs = make([]graph.Output, n)
	for i := range unit.Outputs {
		out := &unit.Outputs[i]
		if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return b, err
		} else if sz != 4 {
			return b, msgp.ArrayError{Wanted: 4, Got: sz}
		}
		if out.Rule, b, err = msgp.ReadIntBytes(b); err != nil {
			return b, err
		}
		var kind int
		if kind, b, err = msgp.ReadIntBytes(b); err != nil {
			return b, err
		}
		out.Kind = graph.OutputKind(kind)
		if out.Code, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
			return b, err
		}
		var na uint32
		if na, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return b, err
		}
		for j := uint32(0); j < na; j++ {
			if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
				return b, err
			} else if sz != 2 {
				return b, msgp.ArrayError{Wanted: 2, Got: sz}
			}
			var a graph.Asset
			if a.Name, b, err = msgp.ReadStringBytes(b); err != nil {
				return b, err
			}
			if a.Data, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
				return b, err
			}
			out.Assets = append(out.Assets, a)
		}
	}
	rec.Unit = unit
	return b, nil
}
