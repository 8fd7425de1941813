package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// SubtreeLoader reads the stored tree for directory dir ("a/b/") at node n.
type SubtreeLoader interface {
	LoadSubtree(dir string, n node.Node) (*Tree, error)
}

// dirSlot is a subdirectory entry. Until the subtree is needed only its node
// is known. A shared subtree is referenced by more than one parent and must
// be copied before it is modified.
type dirSlot struct {
	tree     *Tree
	node     node.Node
	needCopy bool
	shared   bool
}

func (s *dirSlot) currentNode() node.Node {
	if s.tree != nil {
		return s.tree.node
	}
	return s.node
}

// Tree is a manifest stored one directory at a time. Subdirectory keys carry
// a trailing slash ("lib/"), files do not.
type Tree struct {
	consts node.Constants
	dir    string
	node   node.Node
	dirty  bool
	loader SubtreeLoader

	dirs  map[string]*dirSlot
	files map[string]node.Node
	flags map[string]string
	// shared is set when files and flags are referenced by another copy.
	shared bool
}

// NewTree returns an empty tree for dir. dir is "" for the root and ends in a
// slash otherwise.
func NewTree(consts node.Constants, dir string, loader SubtreeLoader) *Tree {
	return &Tree{
		consts: consts,
		dir:    dir,
		node:   consts.NullID,
		loader: loader,
		dirs:   make(map[string]*dirSlot),
		files:  make(map[string]node.Node),
		flags:  make(map[string]string),
	}
}

// ParseTree decodes the text of one directory. Entries flagged "t" become
// lazily loaded subdirectories; entries containing a slash are accepted so a
// flat manifest text can be turned into a tree. The result is dirty until
// SetNode is called.
func ParseTree(consts node.Constants, dir string, text []byte, loader SubtreeLoader) (*Tree, error) {
	t := NewTree(consts, dir, loader)
	err := parseLines(consts, text, func(path string, e Entry) error {
		switch {
		case e.Flags == FlagTree:
			t.dirs[path+"/"] = &dirSlot{node: e.Node}
		case strings.Contains(path, "/"):
			return t.Set(path, e)
		default:
			t.files[path] = e.Node
			if e.Flags != "" {
				t.flags[path] = e.Flags
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.dirty = true
	return t, nil
}

func splitTopDir(path string) (string, string) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i+1], path[i+1:]
	}
	return "", path
}

// Dir returns the directory this tree describes.
func (t *Tree) Dir() string { return t.dir }

func (t *Tree) Node() node.Node { return t.node }

// SetNode records the stored node of t and marks it clean.
func (t *Tree) SetNode(n node.Node) {
	t.node = n
	t.dirty = false
}

func (t *Tree) Dirty() bool { return t.dirty }

// UnmodifiedSince reports whether t and other are the same stored tree.
func (t *Tree) UnmodifiedSince(other *Tree) bool {
	return !t.dirty && !other.dirty && t.node == other.node
}

func (t *Tree) resolve(name string) (*Tree, error) {
	slot := t.dirs[name]
	if slot.tree != nil {
		return slot.tree, nil
	}
	if t.loader == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrNoLoader, t.dir+name, slot.node.Short())
	}
	sub, err := t.loader.LoadSubtree(t.dir+name, slot.node)
	if err != nil {
		return nil, err
	}
	if slot.needCopy {
		sub = sub.CopyTree()
		slot.needCopy = false
	} else {
		// loaded trees may be cached by the loader
		slot.shared = true
	}
	slot.tree = sub
	return sub, nil
}

// mutableDir returns a subtree that may be modified in place.
func (t *Tree) mutableDir(name string, create bool) (*Tree, error) {
	slot, ok := t.dirs[name]
	if !ok {
		if !create {
			return nil, nil
		}
		sub := NewTree(t.consts, t.dir+name, t.loader)
		t.dirs[name] = &dirSlot{tree: sub}
		return sub, nil
	}
	sub, err := t.resolve(name)
	if err != nil {
		return nil, err
	}
	if slot.shared {
		sub = sub.CopyTree()
		slot.tree = sub
		slot.shared = false
	}
	return sub, nil
}

func (t *Tree) own() {
	if !t.shared {
		return
	}
	files := make(map[string]node.Node, len(t.files))
	for k, v := range t.files {
		files[k] = v
	}
	flags := make(map[string]string, len(t.flags))
	for k, v := range t.flags {
		flags[k] = v
	}
	dirs := make(map[string]*dirSlot, len(t.dirs))
	for k, s := range t.dirs {
		c := *s
		dirs[k] = &c
	}
	t.files, t.flags, t.dirs = files, flags, dirs
	t.shared = false
}

func (t *Tree) Find(path string) (Entry, bool, error) {
	dir, rest := splitTopDir(path)
	if dir != "" {
		if _, ok := t.dirs[dir]; !ok {
			return Entry{}, false, nil
		}
		sub, err := t.resolve(dir)
		if err != nil {
			return Entry{}, false, err
		}
		return sub.Find(rest)
	}
	n, ok := t.files[path]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Node: n, Flags: t.flags[path]}, true, nil
}

func (t *Tree) Get(path string) (node.Node, bool, error) {
	e, ok, err := t.Find(path)
	return e.Node, ok, err
}

func (t *Tree) Flags(path string) (string, error) {
	e, _, err := t.Find(path)
	return e.Flags, err
}

func (t *Tree) Has(path string) (bool, error) {
	_, ok, err := t.Find(path)
	return ok, err
}

func (t *Tree) Set(path string, e Entry) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	if err := checkFlags(e.Flags); err != nil {
		return err
	}
	return t.set(path, e)
}

func (t *Tree) set(path string, e Entry) error {
	t.own()
	dir, rest := splitTopDir(path)
	if dir != "" {
		sub, err := t.mutableDir(dir, true)
		if err != nil {
			return err
		}
		if err := sub.set(rest, e); err != nil {
			return err
		}
	} else {
		t.files[path] = e.Node
		if e.Flags != "" {
			t.flags[path] = e.Flags
		} else {
			delete(t.flags, path)
		}
	}
	t.dirty = true
	return nil
}

func (t *Tree) SetFlag(path, flags string) error {
	if err := checkFlags(flags); err != nil {
		return err
	}
	e, ok, err := t.Find(path)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(path)
	}
	e.Flags = flags
	return t.set(path, e)
}

func (t *Tree) Delete(path string) error {
	dir, rest := splitTopDir(path)
	if dir != "" {
		if _, ok := t.dirs[dir]; !ok {
			return notFound(path)
		}
		t.own()
		sub, err := t.mutableDir(dir, false)
		if err != nil {
			return err
		}
		if err := sub.Delete(rest); err != nil {
			return err
		}
		empty, err := sub.isEmpty()
		if err != nil {
			return err
		}
		if empty {
			delete(t.dirs, dir)
		}
	} else {
		if _, ok := t.files[path]; !ok {
			return notFound(path)
		}
		t.own()
		delete(t.files, path)
		delete(t.flags, path)
	}
	t.dirty = true
	return nil
}

func (t *Tree) isEmpty() (bool, error) {
	if len(t.files) > 0 {
		return false, nil
	}
	for name := range t.dirs {
		sub, err := t.resolve(name)
		if err != nil {
			return false, err
		}
		empty, err := sub.isEmpty()
		if err != nil || !empty {
			return false, err
		}
	}
	return true, nil
}

func (t *Tree) Len() (int, error) {
	n := len(t.files)
	for name := range t.dirs {
		sub, err := t.resolve(name)
		if err != nil {
			return 0, err
		}
		c, err := sub.Len()
		if err != nil {
			return 0, err
		}
		n += c
	}
	return n, nil
}

// names returns directory keys and file names sorted in full path order.
func (t *Tree) names() []string {
	names := make([]string, 0, len(t.dirs)+len(t.files))
	for name := range t.dirs {
		names = append(names, name)
	}
	for name := range t.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tree) Iterate(fn func(path string, e Entry) error) error {
	for _, name := range t.names() {
		if strings.HasSuffix(name, "/") {
			sub, err := t.resolve(name)
			if err != nil {
				return err
			}
			if err := sub.Iterate(fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(t.dir+name, Entry{Node: t.files[name], Flags: t.flags[name]}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Walk(m match.Matcher, fn func(path string) error) error {
	if m == nil || m.Always() {
		return t.Iterate(func(path string, _ Entry) error { return fn(path) })
	}
	switch m.VisitDir(strings.TrimSuffix(t.dir, "/")) {
	case match.VisitNone:
		return nil
	case match.VisitAll:
		return t.Iterate(func(path string, _ Entry) error { return fn(path) })
	}
	for _, name := range t.names() {
		full := t.dir + name
		if strings.HasSuffix(name, "/") {
			if m.VisitDir(strings.TrimSuffix(full, "/")) == match.VisitNone {
				continue
			}
			sub, err := t.resolve(name)
			if err != nil {
				return err
			}
			if err := sub.Walk(m, fn); err != nil {
				return err
			}
			continue
		}
		if m.Matches(full) {
			if err := fn(full); err != nil {
				return err
			}
		}
	}
	return nil
}

// Matches returns a tree holding only the entries m selects.
func (t *Tree) Matches(m match.Matcher) (Manifest, error) {
	return t.matches(m)
}

func (t *Tree) matches(m match.Matcher) (*Tree, error) {
	if m == nil || m.Always() {
		return t.CopyTree(), nil
	}
	visit := m.VisitDir(strings.TrimSuffix(t.dir, "/"))
	if visit == match.VisitAll {
		return t.CopyTree(), nil
	}
	ret := NewTree(t.consts, t.dir, t.loader)
	if visit == match.VisitNone {
		return ret, nil
	}
	for name, n := range t.files {
		if !m.Matches(t.dir + name) {
			continue
		}
		ret.files[name] = n
		if fl, ok := t.flags[name]; ok {
			ret.flags[name] = fl
		}
	}
	for name := range t.dirs {
		if m.VisitDir(strings.TrimSuffix(t.dir+name, "/")) == match.VisitNone {
			continue
		}
		sub, err := t.resolve(name)
		if err != nil {
			return nil, err
		}
		subm, err := sub.matches(m)
		if err != nil {
			return nil, err
		}
		empty, err := subm.isEmpty()
		if err != nil {
			return nil, err
		}
		if !empty {
			ret.dirs[name] = &dirSlot{tree: subm}
		}
	}
	if empty, _ := ret.isEmpty(); !empty {
		ret.dirty = true
	}
	return ret, nil
}

// Diff compares t with other. Subdirectories whose stored nodes are equal are
// skipped without loading them.
func (t *Tree) Diff(other Manifest, m match.Matcher, clean bool) (map[string]DiffEntry, error) {
	ot, ok := other.(*Tree)
	if !ok {
		return genericDiff(t, other, m, clean)
	}
	a, b := t, ot
	if m != nil && !m.Always() {
		var err error
		if a, err = t.matches(m); err != nil {
			return nil, err
		}
		if b, err = ot.matches(m); err != nil {
			return nil, err
		}
	}

	result := make(map[string]DiffEntry)
	empty := NewTree(t.consts, "", nil)
	stack := [][2]*Tree{{a, b}}
	for len(stack) > 0 {
		pair := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t1, t2 := pair[0], pair[1]
		if t1.UnmodifiedSince(t2) {
			continue
		}

		for name, s1 := range t1.dirs {
			s2, ok := t2.dirs[name]
			if ok && s1.tree == nil && s2.tree == nil && s1.node == s2.node {
				continue
			}
			sub1, err := t1.resolve(name)
			if err != nil {
				return nil, err
			}
			sub2 := empty
			if ok {
				if sub2, err = t2.resolve(name); err != nil {
					return nil, err
				}
			}
			stack = append(stack, [2]*Tree{sub1, sub2})
		}
		for name := range t2.dirs {
			if _, ok := t1.dirs[name]; ok {
				continue
			}
			sub2, err := t2.resolve(name)
			if err != nil {
				return nil, err
			}
			stack = append(stack, [2]*Tree{empty, sub2})
		}

		for name, n1 := range t1.files {
			e1 := Entry{Node: n1, Flags: t1.flags[name]}
			n2, ok := t2.files[name]
			switch {
			case !ok:
				result[t1.dir+name] = DiffEntry{Old: e1}
			case n1 != n2 || e1.Flags != t2.flags[name]:
				result[t1.dir+name] = DiffEntry{Old: e1, New: Entry{Node: n2, Flags: t2.flags[name]}}
			case clean:
				result[t1.dir+name] = DiffEntry{Old: e1, New: e1}
			}
		}
		for name, n2 := range t2.files {
			if _, ok := t1.files[name]; !ok {
				result[t2.dir+name] = DiffEntry{New: Entry{Node: n2, Flags: t2.flags[name]}}
			}
		}
	}
	return result, nil
}

func (t *Tree) FilesNotIn(other Manifest, m match.Matcher) ([]string, error) {
	return filesNotIn(t, other, m)
}

func (t *Tree) HasDir(dir string) (bool, error) {
	dir = strings.TrimSuffix(dir, "/")
	top, rest := splitTopDir(dir)
	if top != "" {
		if _, ok := t.dirs[top]; !ok {
			return false, nil
		}
		sub, err := t.resolve(top)
		if err != nil {
			return false, err
		}
		return sub.HasDir(rest)
	}
	_, ok := t.dirs[dir+"/"]
	return ok, nil
}

// Text returns the flat manifest text of the whole tree.
func (t *Tree) Text() ([]byte, error) {
	var buf []byte
	err := t.Iterate(func(path string, e Entry) error {
		buf = appendLine(buf, path, e.Node, e.Flags)
		return nil
	})
	return buf, err
}

// DirText returns the stored text of this directory only. Subdirectories are
// listed with their node and the "t" flag, so they must be written first.
func (t *Tree) DirText() []byte {
	type line struct {
		name  string
		node  node.Node
		flags string
	}
	lines := make([]line, 0, len(t.dirs)+len(t.files))
	for name, s := range t.dirs {
		lines = append(lines, line{strings.TrimSuffix(name, "/"), s.currentNode(), FlagTree})
	}
	for name, n := range t.files {
		lines = append(lines, line{name, n, t.flags[name]})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].name < lines[j].name })
	var buf []byte
	for _, l := range lines {
		buf = appendLine(buf, l.name, l.node, l.flags)
	}
	return buf
}

// Copy returns a copy that shares all structure with t until either side is
// modified.
func (t *Tree) Copy() Manifest { return t.CopyTree() }

func (t *Tree) CopyTree() *Tree {
	t.shared = true
	c := &Tree{
		consts: t.consts,
		dir:    t.dir,
		node:   t.node,
		dirty:  t.dirty,
		loader: t.loader,
		files:  t.files,
		flags:  t.flags,
		dirs:   make(map[string]*dirSlot, len(t.dirs)),
		shared: true,
	}
	for name, s := range t.dirs {
		if s.tree != nil {
			s.shared = true
		} else {
			// the loaded tree may be cached, so each side copies it
			s.needCopy = true
		}
		cs := *s
		c.dirs[name] = &cs
	}
	return c
}

// ErrNoLoader is returned when a lazy subdirectory must be read but the tree
// was built without a loader.
var ErrNoLoader = errors.New("manifest: no subtree loader")

// SubtreeWriter stores sub with the given parent nodes and calls SetNode on it.
type SubtreeWriter func(sub *Tree, p1, p2 node.Node, m match.Matcher) error

// WriteSubtrees writes every loaded subdirectory of t, passing the matching
// subdirectory nodes of m1 and m2 as parents. Unloaded subdirectories are
// unchanged and are skipped.
func (t *Tree) WriteSubtrees(m1, m2 *Tree, write SubtreeWriter, m match.Matcher) error {
	parentNode := func(p *Tree, name string) node.Node {
		if p == nil {
			return t.consts.NullID
		}
		if s, ok := p.dirs[name]; ok {
			return s.currentNode()
		}
		return t.consts.NullID
	}
	names := make([]string, 0, len(t.dirs))
	for name := range t.dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		slot := t.dirs[name]
		if slot.tree == nil {
			continue
		}
		if m != nil && m.VisitDir(strings.TrimSuffix(t.dir+name, "/")) == match.VisitNone {
			continue
		}
		if slot.shared {
			slot.tree = slot.tree.CopyTree()
			slot.shared = false
		}
		p1, p2 := parentNode(m1, name), parentNode(m2, name)
		if p1.IsNull() {
			p1, p2 = p2, p1
		}
		if err := write(slot.tree, p1, p2, m); err != nil {
			return err
		}
	}
	return nil
}

// FastDelta is not available for trees; callers fall back to a full diff.
func (t *Tree) FastDelta([]byte, []Change) ([]byte, []byte, error) {
	return nil, nil, errs.ErrFastdeltaUnavailable
}
