package changelog

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// DefaultBranch is the branch of revisions without a branch extra.
const DefaultBranch = "default"

// Entry is one changeset.
type Entry struct {
	Manifest    node.Node
	User        string
	Time        int64 // unix seconds
	TZ          int   // seconds west of UTC
	Files       []string
	Description string
	Extra       map[string]string
}

// Date returns the commit time in its recorded zone.
func (e *Entry) Date() time.Time {
	return time.Unix(e.Time, 0).In(time.FixedZone("", -e.TZ))
}

// Branch returns the branch name and whether the entry closes it.
func (e *Entry) Branch() (string, bool) {
	b := e.Extra["branch"]
	if b == "" {
		b = DefaultBranch
	}
	_, closed := e.Extra["close"]
	return b, closed
}

var extraEscaper = strings.NewReplacer("\\", "\\\\", "\n", "\\n", "\r", "\\r", "\x00", "\\0")

func unescapeExtra(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func encodeExtra(extra map[string]string) string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]string, len(keys))
	for i, k := range keys {
		items[i] = extraEscaper.Replace(k + ":" + extra[k])
	}
	return strings.Join(items, "\x00")
}

func decodeExtra(s string) map[string]string {
	extra := make(map[string]string)
	for _, item := range strings.Split(s, "\x00") {
		if item == "" {
			continue
		}
		k, v, _ := strings.Cut(unescapeExtra(item), ":")
		extra[k] = v
	}
	return extra
}

// Bytes returns the stored text of e.
func (e *Entry) Bytes() []byte {
	extra := make(map[string]string, len(e.Extra))
	for k, v := range e.Extra {
		extra[k] = v
	}
	if b := extra["branch"]; b == DefaultBranch || b == "" {
		delete(extra, "branch")
	}
	date := fmt.Sprintf("%d %d", e.Time, e.TZ)
	if len(extra) > 0 {
		date += " " + encodeExtra(extra)
	}
	files := append([]string(nil), e.Files...)
	sort.Strings(files)

	var buf bytes.Buffer
	buf.WriteString(e.Manifest.String())
	buf.WriteByte('\n')
	buf.WriteString(e.User)
	buf.WriteByte('\n')
	buf.WriteString(date)
	for _, f := range files {
		buf.WriteByte('\n')
		buf.WriteString(f)
	}
	buf.WriteString("\n\n")
	buf.WriteString(e.Description)
	return buf.Bytes()
}

// ParseEntry decodes a stored changeset text.
func ParseEntry(consts node.Constants, text []byte) (*Entry, error) {
	sep := bytes.Index(text, []byte("\n\n"))
	if sep < 0 {
		return nil, errs.NewCorruption("changeset", 0, "missing description separator")
	}
	lines := strings.Split(string(text[:sep]), "\n")
	if len(lines) < 3 {
		return nil, errs.NewCorruption("changeset", 0, "truncated header")
	}
	mf, err := consts.FromHex(lines[0])
	if err != nil {
		return nil, &errs.CorruptionError{Err: err, Category: "changeset"}
	}
	e := &Entry{
		Manifest:    mf,
		User:        lines[1],
		Files:       lines[3:],
		Description: string(text[sep+2:]),
		Extra:       map[string]string{},
	}
	fields := strings.SplitN(lines[2], " ", 3)
	if len(fields) < 2 {
		return nil, errs.NewCorruption("changeset", int64(len(lines[0])+len(lines[1])+2), "malformed date")
	}
	if e.Time, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return nil, &errs.CorruptionError{Err: err, Category: "changeset date"}
	}
	if e.TZ, err = strconv.Atoi(fields[1]); err != nil {
		return nil, &errs.CorruptionError{Err: err, Category: "changeset timezone"}
	}
	if len(fields) == 3 {
		e.Extra = decodeExtra(fields[2])
	}
	return e, nil
}
