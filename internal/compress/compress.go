// Package compress encodes revision chunks. Every encoded chunk starts with
// a one byte header naming its compression so readers need no side channel.
package compress

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
)

type Type byte

const (
	None   Type = 'u'
	Snappy Type = 's'
	Zstd   Type = 'z'
)

var ErrUnsupportedCompression = errors.New("ivaldi: unsupported compression")

// ParseType maps a configuration name to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "", "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	case "none":
		return None, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCompression, name)
	}
}

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode compresses src with typ. Chunks that do not shrink are stored raw.
func Encode(typ Type, src []byte) ([]byte, error) {
	var body []byte
	switch typ {
	case None:
	case Snappy:
		body = snappy.Encode(nil, src)
	case Zstd:
		body = encoder.EncodeAll(src, nil)
	default:
		return nil, ErrUnsupportedCompression
	}
	if typ == None || len(body) >= len(src) {
		out := make([]byte, 0, len(src)+1)
		out = append(out, byte(None))
		return append(out, src...), nil
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(typ))
	return append(out, body...), nil
}

// Decode reverses Encode.
func Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, errs.NewCorruption("chunk", 0, "empty chunk")
	}
	body := src[1:]
	switch Type(src[0]) {
	case None:
		return body, nil
	case Snappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, &errs.CorruptionError{Err: err, Category: "snappy chunk"}
		}
		return out, nil
	case Zstd:
		out, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, &errs.CorruptionError{Err: err, Category: "zstd chunk"}
		}
		return out, nil
	default:
		return nil, errs.NewCorruption("chunk", 0, fmt.Sprintf("unknown compression header %q", src[0]))
	}
}
