// Package revlog implements an append-only revision store addressed by node
// and revision number. Revisions are kept as compressed snapshots or as
// mpatch deltas against an earlier revision.
package revlog

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/compress"
	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/mdiff"
	"github.com/javanhut/ivaldi-revstore/internal/mpatch"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
)

// limitDeltaToText bounds the payload of a delta chain relative to the
// text it produces.
const limitDeltaToText = 2

// CachedDelta is a delta the caller already computed against Base.
type CachedDelta struct {
	Base  node.Rev
	Delta []byte
}

// Store is the revision storage contract the manifest and changelog layers
// build on.
type Store interface {
	Name() string
	Constants() node.Constants
	Len() int
	Node(rev node.Rev) (node.Node, error)
	Rev(n node.Node) (node.Rev, error)
	HasNode(n node.Node) bool
	Parents(n node.Node) (node.Node, node.Node, error)
	ParentRevs(rev node.Rev) (node.Rev, node.Rev, error)
	LinkRev(rev node.Rev) (node.Rev, error)
	RawSize(rev node.Rev) (int, error)
	Revision(n node.Node) ([]byte, error)
	RevisionAt(rev node.Rev) ([]byte, error)
	AddRevision(text []byte, tr txn.Transaction, linkRev node.Rev, p1, p2 node.Node, cached *CachedDelta) (node.Node, error)
}

// IndexEntry is the per-revision index record.
type IndexEntry struct {
	Node      []byte `msgpack:"node"`
	P1        int32  `msgpack:"p1"`
	P2        int32  `msgpack:"p2"`
	LinkRev   int32  `msgpack:"link"`
	Base      int32  `msgpack:"base"` // delta base, -1 for a snapshot
	ChainLen  int32  `msgpack:"chainlen"`
	ChainSize int64  `msgpack:"chainsize"`
	Size      int32  `msgpack:"size"`
}

// Options configures a Revlog.
type Options struct {
	Constants   node.Constants
	Compression compress.Type
	MaxChainLen int
	Logger      zerolog.Logger
}

type Revlog struct {
	name    string
	opts    Options
	backend Backend
	index   []IndexEntry
	nodes   []node.Node
	nodemap map[node.Node]node.Rev
	log     zerolog.Logger

	cacheRev  node.Rev
	cacheText []byte

	tr txn.Transaction
}

var _ Store = (*Revlog)(nil)

// Open loads the index of name from backend.
func Open(name string, backend Backend, opts Options) (*Revlog, error) {
	if opts.Constants.NodeLen == 0 {
		opts.Constants = node.SHA1
	}
	if opts.Compression == 0 {
		opts.Compression = compress.None
	}
	rl := &Revlog{
		name:     name,
		opts:     opts,
		backend:  backend,
		nodemap:  make(map[node.Node]node.Rev),
		log:      opts.Logger.With().Str("revlog", name).Logger(),
		cacheRev: node.NullRev,
	}
	entries, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load index of %s: %w", name, err)
	}
	for i, e := range entries {
		n, err := opts.Constants.FromBytes(e.Node)
		if err != nil {
			return nil, &errs.CorruptionError{Err: err, Category: "revlog index " + name, Offset: int64(i)}
		}
		rl.index = append(rl.index, e)
		rl.nodes = append(rl.nodes, n)
		rl.nodemap[n] = node.Rev(i)
	}
	return rl, nil
}

// NewMemory returns an empty in-memory revlog.
func NewMemory(name string, opts Options) *Revlog {
	rl, _ := Open(name, NewMemoryBackend(), opts)
	return rl
}

func (rl *Revlog) Name() string { return rl.name }

func (rl *Revlog) Constants() node.Constants { return rl.opts.Constants }

func (rl *Revlog) Len() int { return len(rl.index) }

func (rl *Revlog) checkRev(rev node.Rev) error {
	if rev < 0 || int(rev) >= len(rl.index) {
		return errs.NewLookup(rl.name, strconv.Itoa(int(rev)))
	}
	return nil
}

func (rl *Revlog) Node(rev node.Rev) (node.Node, error) {
	if rev == node.NullRev {
		return rl.opts.Constants.NullID, nil
	}
	if err := rl.checkRev(rev); err != nil {
		return node.Node{}, err
	}
	return rl.nodes[rev], nil
}

func (rl *Revlog) Rev(n node.Node) (node.Rev, error) {
	if n.IsZero() || n == rl.opts.Constants.NullID {
		return node.NullRev, nil
	}
	if r, ok := rl.nodemap[n]; ok {
		return r, nil
	}
	return node.NullRev, errs.NewLookup(rl.name, n.String())
}

func (rl *Revlog) HasNode(n node.Node) bool {
	_, err := rl.Rev(n)
	return err == nil
}

func (rl *Revlog) ParentRevs(rev node.Rev) (node.Rev, node.Rev, error) {
	if rev == node.NullRev {
		return node.NullRev, node.NullRev, nil
	}
	if err := rl.checkRev(rev); err != nil {
		return node.NullRev, node.NullRev, err
	}
	e := rl.index[rev]
	return node.Rev(e.P1), node.Rev(e.P2), nil
}

func (rl *Revlog) Parents(n node.Node) (node.Node, node.Node, error) {
	rev, err := rl.Rev(n)
	if err != nil {
		return node.Node{}, node.Node{}, err
	}
	p1, p2, err := rl.ParentRevs(rev)
	if err != nil {
		return node.Node{}, node.Node{}, err
	}
	n1, _ := rl.Node(p1)
	n2, _ := rl.Node(p2)
	return n1, n2, nil
}

func (rl *Revlog) LinkRev(rev node.Rev) (node.Rev, error) {
	if err := rl.checkRev(rev); err != nil {
		return node.NullRev, err
	}
	return node.Rev(rl.index[rev].LinkRev), nil
}

func (rl *Revlog) RawSize(rev node.Rev) (int, error) {
	if rev == node.NullRev {
		return 0, nil
	}
	if err := rl.checkRev(rev); err != nil {
		return 0, err
	}
	return int(rl.index[rev].Size), nil
}

// DeltaBase returns the revision rev is stored against, NullRev for a snapshot.
func (rl *Revlog) DeltaBase(rev node.Rev) (node.Rev, error) {
	if err := rl.checkRev(rev); err != nil {
		return node.NullRev, err
	}
	return node.Rev(rl.index[rev].Base), nil
}

func (rl *Revlog) Revision(n node.Node) ([]byte, error) {
	rev, err := rl.Rev(n)
	if err != nil {
		return nil, err
	}
	return rl.RevisionAt(rev)
}

func (rl *Revlog) chunk(rev node.Rev) ([]byte, error) {
	raw, err := rl.backend.Chunk(rev)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", rev, rl.name, err)
	}
	return compress.Decode(raw)
}

// isFullReplacement reports whether delta replaces its whole base.
func isFullReplacement(delta []byte, baseSize int) bool {
	return len(delta) >= mpatch.HeaderSize &&
		bytes.Equal(delta[:mpatch.HeaderSize], mpatch.ReplaceHeader(baseSize, len(delta)-mpatch.HeaderSize))
}

// RevisionAt rebuilds the text of rev. The returned slice must not be modified.
func (rl *Revlog) RevisionAt(rev node.Rev) ([]byte, error) {
	if rev == node.NullRev {
		return nil, nil
	}
	if err := rl.checkRev(rev); err != nil {
		return nil, err
	}
	if rev == rl.cacheRev {
		return rl.cacheText, nil
	}

	var deltas [][]byte
	var base []byte
	for r := rev; ; {
		if r == rl.cacheRev {
			base = rl.cacheText
			break
		}
		e := rl.index[r]
		chunk, err := rl.chunk(r)
		if err != nil {
			return nil, err
		}
		if e.Base < 0 {
			base = chunk
			break
		}
		if isFullReplacement(chunk, int(rl.index[e.Base].Size)) {
			base = chunk[mpatch.HeaderSize:]
			break
		}
		deltas = append(deltas, chunk)
		r = node.Rev(e.Base)
	}
	for i, j := 0, len(deltas)-1; i < j; i, j = i+1, j-1 {
		deltas[i], deltas[j] = deltas[j], deltas[i]
	}
	text, err := mpatch.Apply(base, deltas)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild %s revision %d: %w", rl.name, rev, err)
	}

	e := rl.index[rev]
	p1, _ := rl.Node(node.Rev(e.P1))
	p2, _ := rl.Node(node.Rev(e.P2))
	if rl.opts.Constants.Hash(text, p1, p2) != rl.nodes[rev] {
		return nil, errs.NewCorruption("revlog "+rl.name, int64(rev), "integrity check failed")
	}
	rl.cacheRev, rl.cacheText = rev, text
	return text, nil
}

// goodDelta applies the delta acceptance rules: a delta must be smaller than
// the text, keep the chain payload within limitDeltaToText times the text and
// respect the chain length cap.
func (rl *Revlog) goodDelta(textLen int, base node.Rev, deltaLen int) bool {
	if deltaLen > textLen {
		return false
	}
	b := rl.index[base]
	if rl.opts.MaxChainLen > 0 && int(b.ChainLen)+1 > rl.opts.MaxChainLen {
		return false
	}
	return b.ChainSize+int64(deltaLen) <= int64(textLen)*limitDeltaToText
}

func (rl *Revlog) chooseDelta(rev node.Rev, text []byte, p1 node.Rev, cached *CachedDelta) (node.Rev, []byte, error) {
	if cached != nil && cached.Base >= 0 && cached.Base < rev {
		size, err := mpatch.PatchedSize(int(rl.index[cached.Base].Size), cached.Delta)
		switch {
		case err != nil:
			rl.log.Debug().Err(err).Int("base", int(cached.Base)).Msg("ignoring undecodable cached delta")
		case size != len(text):
			rl.log.Debug().Int("base", int(cached.Base)).Int("size", size).Int("want", len(text)).Msg("ignoring mismatched cached delta")
		case rl.goodDelta(len(text), cached.Base, len(cached.Delta)):
			return cached.Base, cached.Delta, nil
		}
	}
	if p1 != node.NullRev {
		ptext, err := rl.RevisionAt(p1)
		if err != nil {
			return node.NullRev, nil, err
		}
		delta := mdiff.TextDiff(ptext, text)
		if rl.goodDelta(len(text), p1, len(delta)) {
			return p1, delta, nil
		}
	}
	return node.NullRev, text, nil
}

// AddRevision appends text unless its node is already stored.
func (rl *Revlog) AddRevision(text []byte, tr txn.Transaction, linkRev node.Rev, p1, p2 node.Node, cached *CachedDelta) (node.Node, error) {
	consts := rl.opts.Constants
	if p1.IsZero() {
		p1 = consts.NullID
	}
	if p2.IsZero() {
		p2 = consts.NullID
	}
	n := consts.Hash(text, p1, p2)
	if _, ok := rl.nodemap[n]; ok {
		return n, nil
	}
	p1r, err := rl.Rev(p1)
	if err != nil {
		return node.Node{}, err
	}
	p2r, err := rl.Rev(p2)
	if err != nil {
		return node.Node{}, err
	}

	rev := node.Rev(len(rl.index))
	base, payload, err := rl.chooseDelta(rev, text, p1r, cached)
	if err != nil {
		return node.Node{}, err
	}
	e := IndexEntry{
		Node:    n.Bytes(),
		P1:      int32(p1r),
		P2:      int32(p2r),
		LinkRev: int32(linkRev),
		Base:    int32(base),
		Size:    int32(len(text)),
	}
	if base == node.NullRev {
		e.ChainSize = int64(len(text))
	} else {
		e.ChainLen = rl.index[base].ChainLen + 1
		e.ChainSize = rl.index[base].ChainSize + int64(len(payload))
	}
	chunk, err := compress.Encode(rl.opts.Compression, payload)
	if err != nil {
		return node.Node{}, err
	}
	if tr != nil && tr != rl.tr {
		rl.tr = tr
		start := rev
		tr.AddAbort("revlog-"+rl.name, func(txn.Transaction) {
			if err := rl.Strip(start); err != nil {
				rl.log.Warn().Err(err).Msg("failed to roll back revlog")
			}
		})
	}
	if err := rl.backend.Append(rev, e, chunk); err != nil {
		return node.Node{}, fmt.Errorf("failed to append to %s: %w", rl.name, err)
	}
	rl.index = append(rl.index, e)
	rl.nodes = append(rl.nodes, n)
	rl.nodemap[n] = rev
	rl.cacheRev, rl.cacheText = rev, text
	return n, nil
}

// Strip removes rev and every later revision.
func (rl *Revlog) Strip(rev node.Rev) error {
	if rev < 0 || int(rev) >= len(rl.index) {
		return nil
	}
	if err := rl.backend.Truncate(rev); err != nil {
		return fmt.Errorf("failed to strip %s at %d: %w", rl.name, rev, err)
	}
	for _, n := range rl.nodes[rev:] {
		delete(rl.nodemap, n)
	}
	rl.index = rl.index[:rev]
	rl.nodes = rl.nodes[:rev]
	rl.cacheRev, rl.cacheText = node.NullRev, nil
	return nil
}
