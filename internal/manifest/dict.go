package manifest

import (
	"sort"
	"strings"

	"github.com/armon/go-radix"

	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// Dict is a flat manifest backed by a radix tree. Copies share the tree until
// one of them is modified.
type Dict struct {
	consts node.Constants
	tree   *radix.Tree
	shared bool
}

// NewDict returns an empty flat manifest.
func NewDict(consts node.Constants) *Dict {
	return &Dict{consts: consts, tree: radix.New()}
}

// ParseDict decodes flat manifest text.
func ParseDict(consts node.Constants, text []byte) (*Dict, error) {
	d := NewDict(consts)
	err := parseLines(consts, text, func(path string, e Entry) error {
		d.tree.Insert(path, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dict) own() {
	if !d.shared {
		return
	}
	d.tree = radix.NewFromMap(d.tree.ToMap())
	d.shared = false
}

func (d *Dict) Find(path string) (Entry, bool, error) {
	v, ok := d.tree.Get(path)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

func (d *Dict) Get(path string) (node.Node, bool, error) {
	e, ok, _ := d.Find(path)
	return e.Node, ok, nil
}

func (d *Dict) Flags(path string) (string, error) {
	e, _, _ := d.Find(path)
	return e.Flags, nil
}

func (d *Dict) Has(path string) (bool, error) {
	_, ok := d.tree.Get(path)
	return ok, nil
}

func (d *Dict) Set(path string, e Entry) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	if err := checkFlags(e.Flags); err != nil {
		return err
	}
	d.own()
	d.tree.Insert(path, e)
	return nil
}

func (d *Dict) SetFlag(path, flags string) error {
	if err := checkFlags(flags); err != nil {
		return err
	}
	e, ok, _ := d.Find(path)
	if !ok {
		return notFound(path)
	}
	e.Flags = flags
	d.own()
	d.tree.Insert(path, e)
	return nil
}

func (d *Dict) Delete(path string) error {
	if _, ok := d.tree.Get(path); !ok {
		return notFound(path)
	}
	d.own()
	d.tree.Delete(path)
	return nil
}

func (d *Dict) Len() (int, error) { return d.tree.Len(), nil }

func (d *Dict) Iterate(fn func(path string, e Entry) error) error {
	var err error
	d.tree.Walk(func(path string, v interface{}) bool {
		err = fn(path, v.(Entry))
		return err != nil
	})
	return err
}

func (d *Dict) Walk(m match.Matcher, fn func(path string) error) error {
	if m == nil || m.Always() {
		return d.Iterate(func(path string, _ Entry) error { return fn(path) })
	}
	switch m.(type) {
	case *match.ExactMatcher:
		for _, f := range m.Files() {
			if _, ok := d.tree.Get(f); ok {
				if err := fn(f); err != nil {
					return err
				}
			}
		}
		return nil
	case *match.PrefixMatcher:
		var paths []string
		for _, dir := range m.Files() {
			if _, ok := d.tree.Get(dir); ok {
				paths = append(paths, dir)
			}
			d.tree.WalkPrefix(dir+"/", func(path string, _ interface{}) bool {
				paths = append(paths, path)
				return false
			})
		}
		sort.Strings(paths)
		for i, p := range paths {
			if i > 0 && paths[i-1] == p {
				continue
			}
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	}
	return d.Iterate(func(path string, _ Entry) error {
		if !m.Matches(path) {
			return nil
		}
		return fn(path)
	})
}

func (d *Dict) Diff(other Manifest, m match.Matcher, clean bool) (map[string]DiffEntry, error) {
	return genericDiff(d, other, m, clean)
}

func (d *Dict) Matches(m match.Matcher) (Manifest, error) {
	if m == nil || m.Always() {
		return d.Copy(), nil
	}
	out := NewDict(d.consts)
	err := d.Walk(m, func(path string) error {
		v, _ := d.tree.Get(path)
		out.tree.Insert(path, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dict) FilesNotIn(other Manifest, m match.Matcher) ([]string, error) {
	return filesNotIn(d, other, m)
}

func (d *Dict) HasDir(dir string) (bool, error) {
	found := false
	d.tree.WalkPrefix(strings.TrimSuffix(dir, "/")+"/", func(string, interface{}) bool {
		found = true
		return true
	})
	return found, nil
}

func (d *Dict) Text() ([]byte, error) {
	var buf []byte
	d.tree.Walk(func(path string, v interface{}) bool {
		e := v.(Entry)
		buf = appendLine(buf, path, e.Node, e.Flags)
		return false
	})
	return buf, nil
}

func (d *Dict) Copy() Manifest {
	d.shared = true
	return &Dict{consts: d.consts, tree: d.tree, shared: true}
}
