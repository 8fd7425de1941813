package manifest

import (
	"bytes"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

func appendLine(buf []byte, path string, n node.Node, flags string) []byte {
	buf = append(buf, path...)
	buf = append(buf, 0)
	buf = append(buf, n.String()...)
	buf = append(buf, flags...)
	return append(buf, '\n')
}

// parseLines decodes manifest text, calling fn for every line in order.
// Lines must be strictly sorted by path.
func parseLines(consts node.Constants, text []byte, fn func(path string, e Entry) error) error {
	pos := 0
	prev := ""
	for pos < len(text) {
		nl := bytes.IndexByte(text[pos:], '\n')
		if nl < 0 {
			return errs.NewCorruption("manifest", int64(pos), "manifest did not end in a newline")
		}
		line := text[pos : pos+nl]
		z := bytes.IndexByte(line, 0)
		if z <= 0 {
			return errs.NewCorruption("manifest", int64(pos), "manifest line without path separator")
		}
		rest := line[z+1:]
		if len(rest) < consts.HexLen || len(rest) > consts.HexLen+1 {
			return errs.NewCorruption("manifest", int64(pos), "manifest node has wrong length")
		}
		n, err := consts.FromHex(string(rest[:consts.HexLen]))
		if err != nil {
			return &errs.CorruptionError{Err: err, Category: "manifest", Offset: int64(pos)}
		}
		flags := string(rest[consts.HexLen:])
		switch flags {
		case FlagNone, FlagSymlink, FlagExec, FlagTree:
		default:
			return errs.NewCorruption("manifest", int64(pos), "unknown manifest flag "+flags)
		}
		path := string(line[:z])
		if pos > 0 && path <= prev {
			return errs.NewCorruption("manifest", int64(pos), "manifest lines not in sorted order")
		}
		if err := fn(path, Entry{Node: n, Flags: flags}); err != nil {
			return err
		}
		prev = path
		pos += nl + 1
	}
	return nil
}
