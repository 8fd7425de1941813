// Package match decides which paths and directories a manifest operation
// looks at.
package match

import (
	"sort"
	"strings"
)

// Visit is the answer of Matcher.VisitDir.
type Visit int

const (
	VisitNone Visit = iota // nothing below dir can match
	VisitThis              // some paths below dir may match
	VisitAll               // every path below dir matches
)

// Matcher selects paths. Directory arguments have no trailing slash; the root
// directory is "".
type Matcher interface {
	Matches(path string) bool
	VisitDir(dir string) Visit
	Always() bool
	// Files returns the explicitly named files or directories, sorted.
	Files() []string
}

type always struct{}

// Always matches every path.
func Always() Matcher { return always{} }

func (always) Matches(string) bool { return true }
func (always) VisitDir(string) Visit { return VisitAll }
func (always) Always() bool { return true }
func (always) Files() []string { return nil }

type never struct{}

// Never matches nothing.
func Never() Matcher { return never{} }

func (never) Matches(string) bool { return false }
func (never) VisitDir(string) Visit { return VisitNone }
func (never) Always() bool { return false }
func (never) Files() []string { return nil }

// ExactMatcher matches a fixed set of files.
type ExactMatcher struct {
	files []string
	set   map[string]struct{}
	dirs  map[string]struct{}
}

func Exact(files ...string) *ExactMatcher {
	m := &ExactMatcher{set: make(map[string]struct{}), dirs: map[string]struct{}{"": {}}}
	for _, f := range files {
		if _, dup := m.set[f]; dup {
			continue
		}
		m.set[f] = struct{}{}
		m.files = append(m.files, f)
		for d := parentDir(f); d != ""; d = parentDir(d) {
			m.dirs[d] = struct{}{}
		}
	}
	sort.Strings(m.files)
	return m
}

func (m *ExactMatcher) Matches(path string) bool {
	_, ok := m.set[path]
	return ok
}

func (m *ExactMatcher) VisitDir(dir string) Visit {
	if _, ok := m.dirs[dir]; ok {
		return VisitThis
	}
	return VisitNone
}

func (m *ExactMatcher) Always() bool { return false }
func (m *ExactMatcher) Files() []string { return m.files }

// PrefixMatcher matches everything under a set of directories.
type PrefixMatcher struct {
	dirs []string
}

func Prefix(dirs ...string) *PrefixMatcher {
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		clean = append(clean, strings.Trim(d, "/"))
	}
	sort.Strings(clean)
	return &PrefixMatcher{dirs: clean}
}

func (m *PrefixMatcher) Matches(path string) bool {
	for _, d := range m.dirs {
		if d == "" || path == d || strings.HasPrefix(path, d+"/") {
			return true
		}
	}
	return false
}

func (m *PrefixMatcher) VisitDir(dir string) Visit {
	result := VisitNone
	for _, d := range m.dirs {
		switch {
		case d == "" || dir == d || strings.HasPrefix(dir, d+"/"):
			return VisitAll
		case dir == "" || strings.HasPrefix(d, dir+"/"):
			result = VisitThis
		}
	}
	return result
}

func (m *PrefixMatcher) Always() bool { return false }

// Files returns the directory prefixes.
func (m *PrefixMatcher) Files() []string { return m.dirs }

func parentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}
