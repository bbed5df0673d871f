package tree

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sidkik/treesync/pkg/errors"
)

// The wire format is the same for JSON and msgpack:
//
//	{"kind": "dir", "path": "assets", "entries": {"sound.ogg": {...}}}
//	{"kind": "file", "path": "assets/sound.ogg", "size": 1024, "hash": "9f86d0…"}
type fileNode struct {
	Kind string `json:"kind" msgpack:"kind"`
	Path string `json:"path" msgpack:"path"`
	Size int64  `json:"size" msgpack:"size"`
	Hash string `json:"hash" msgpack:"hash"`
}

type dirNode struct {
	Kind    string                 `json:"kind" msgpack:"kind"`
	Path    string                 `json:"path" msgpack:"path"`
	Entries map[string]interface{} `json:"entries" msgpack:"entries"`
}

// node is the decoding target for both kinds.
type node struct {
	Kind    string           `json:"kind" msgpack:"kind"`
	Path    string           `json:"path" msgpack:"path"`
	Size    *int64           `json:"size" msgpack:"size"`
	Hash    string           `json:"hash" msgpack:"hash"`
	Entries map[string]*node `json:"entries" msgpack:"entries"`
}

func toWire(e Entry) interface{} {
	switch e := e.(type) {
	case *File:
		return fileNode{Kind: KindFile.String(), Path: e.path, Size: e.size, Hash: e.hash}
	case *Dir:
		entries := make(map[string]interface{}, len(e.entries))
		for name, child := range e.entries {
			entries[name] = toWire(child)
		}
		return dirNode{Kind: KindDir.String(), Path: e.path, Entries: entries}
	default:
		panic(fmt.Sprintf("unexpected entry type %T", e))
	}
}

func fromWire(n *node, expPath string, isRoot bool) (Entry, error) {
	if n == nil {
		return nil, errors.Newf("entry %q is empty", expPath)
	}
	if !isRoot && n.Path != expPath {
		return nil, errors.Newf("entry %q has mismatched path %q", expPath, n.Path)
	}

	switch n.Kind {
	case KindFile.String():
		if n.Size == nil || *n.Size < 0 {
			return nil, errors.Newf("file %q has an invalid size", n.Path)
		}
		if !validHash(n.Hash) {
			return nil, errors.Newf("file %q has an invalid hash %q", n.Path, n.Hash)
		}
		if len(n.Entries) != 0 {
			return nil, errors.Newf("file %q has entries", n.Path)
		}
		return NewFile(n.Path, *n.Size, n.Hash), nil

	case KindDir.String():
		if n.Hash != "" {
			return nil, errors.Newf("directory %q has a hash", n.Path)
		}

		children := make(map[string]Entry, len(n.Entries))
		for name, child := range n.Entries {
			if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
				return nil, errors.Newf("directory %q has an invalid entry name %q", n.Path, name)
			}

			entry, err := fromWire(child, Join(n.Path, name), false)
			if err != nil {
				return nil, err
			}
			children[name] = entry
		}
		return newDirFromMap(n.Path, children), nil

	default:
		return nil, errors.Newf("entry %q has unknown kind %q", n.Path, n.Kind)
	}
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func rootFromWire(n *node) (*Dir, error) {
	entry, err := fromWire(n, "", true)
	if err != nil {
		return nil, err
	}

	dir, ok := entry.(*Dir)
	if !ok {
		return nil, errors.Newf("snapshot root must be a directory, got %s", entry.Kind())
	}
	return dir, nil
}

// MarshalJSON encodes the file in the snapshot wire format.
func (f *File) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(f))
}

// MarshalJSON encodes the directory and everything below it in the snapshot
// wire format.
func (d *Dir) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(d))
}

// Encode writes the JSON encoding of `d` to `w`.
func Encode(w io.Writer, d *Dir) error {
	return json.NewEncoder(w).Encode(d)
}

// Decode reads a JSON snapshot. The result is validated: every file must have
// a size and a SHA-256 hash, and every path must match its position in the
// tree.
func Decode(r io.Reader) (*Dir, error) {
	var n node
	if err := json.NewDecoder(r).Decode(&n); err != nil {
		return nil, errors.WithContext(err, "decode json")
	}
	return rootFromWire(&n)
}

// Unmarshal is Decode for a byte slice.
func Unmarshal(data []byte) (*Dir, error) {
	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errors.WithContext(err, "decode json")
	}
	return rootFromWire(&n)
}

// MarshalMsgpack encodes `d` in the compact binary format used for storing
// snapshots.
func MarshalMsgpack(d *Dir) ([]byte, error) {
	return msgpack.Marshal(toWire(d))
}

// UnmarshalMsgpack decodes a snapshot written by MarshalMsgpack.
func UnmarshalMsgpack(data []byte) (*Dir, error) {
	var n node
	if err := msgpack.Unmarshal(data, &n); err != nil {
		return nil, errors.WithContext(err, "decode msgpack")
	}
	return rootFromWire(&n)
}
