package branchmap

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/javanhut/ivaldi-revstore/internal/changelog"
	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

const filePrefix = "branch2"

var errTipDiffers = errors.New("tip differs")

// Filename returns the cache file of the named view.
func Filename(filter string) string {
	if filter == "" {
		return filePrefix
	}
	return filePrefix + "-" + filter
}

// FilteredHash hashes the revisions up to maxRev that cl hides. It is nil
// when none are hidden.
func FilteredHash(cl changelog.Changelog, maxRev node.Rev) []byte {
	filtered := cl.FilteredRevs()
	if filtered == nil || filtered.IsEmpty() {
		return nil
	}
	h := sha1.New()
	var found bool
	it := filtered.Iterator()
	for it.HasNext() {
		r := it.Next()
		if int64(r) > int64(maxRev) {
			break
		}
		fmt.Fprintf(h, "%d;", r)
		found = true
	}
	if !found {
		return nil
	}
	return h.Sum(nil)
}

// FromFile loads the persisted cache of repo's view. It returns nil when the
// file is missing, malformed or stale.
func FromFile(repo Repo) *BranchCache {
	v := repo.CacheVFS()
	if v == nil {
		return nil
	}
	name := Filename(repo.FilterName())
	data, err := v.Read(name)
	if err != nil {
		return nil
	}
	bc, err := parse(repo, data)
	if err != nil {
		log := repo.Logger()
		log.Debug().Err(err).Str("file", name).Msg("invalid branch cache")
		return nil
	}
	return bc
}

func parse(repo Repo, data []byte) (*BranchCache, error) {
	cl := repo.Changelog()
	consts := cl.Constants()

	first, rest, _ := bytes.Cut(data, []byte("\n"))
	key := strings.SplitN(string(first), " ", 3)
	if len(key) < 2 {
		return nil, errs.NewCorruption("branch cache", 0, "missing cache key")
	}
	tipNode, err := consts.FromHex(key[0])
	if err != nil {
		return nil, err
	}
	tipRev, err := strconv.Atoi(key[1])
	if err != nil {
		return nil, errs.NewCorruption("branch cache", 0, "bad tip revision "+key[1])
	}
	var filteredHash []byte
	if len(key) > 2 {
		if filteredHash, err = hex.DecodeString(key[2]); err != nil {
			return nil, errs.NewCorruption("branch cache", 0, "bad filtered hash")
		}
	}

	bc := newCache(nil, tipNode, node.Rev(tipRev), filteredHash, nil)
	bc.hasNode = cl.HasNode
	if !bc.ValidFor(repo) {
		return nil, errTipDiffers
	}

	off := int64(len(first) + 1)
	for _, line := range strings.Split(string(rest), "\n") {
		lineOff := off
		off += int64(len(line) + 1)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return nil, errs.NewCorruption("branch cache", lineOff, "malformed head line")
		}
		if parts[1] != "o" && parts[1] != "c" {
			return nil, errs.NewCorruption("branch cache", lineOff, "invalid branch state")
		}
		n, err := consts.FromHex(parts[0])
		if err != nil {
			return nil, err
		}
		label := strings.TrimSpace(parts[2])
		bc.entries[label] = append(bc.entries[label], n)
		if parts[1] == "c" {
			bc.closed[n] = struct{}{}
		}
	}
	return bc, nil
}

// Write persists the cache for repo's view. Failures are logged and
// otherwise ignored.
func (bc *BranchCache) Write(repo Repo) {
	v := repo.CacheVFS()
	if v == nil {
		return
	}
	log := repo.Logger()
	name := Filename(repo.FilterName())

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d", bc.tipNode, bc.tipRev)
	if bc.filteredHash != nil {
		fmt.Fprintf(&buf, " %x", bc.filteredHash)
	}
	buf.WriteByte('\n')
	var nodes int
	for _, b := range bc.branches() {
		for _, n := range bc.entries[b] {
			state := 'o'
			if bc.IsClosed(n) {
				state = 'c'
			}
			fmt.Fprintf(&buf, "%s %c %s\n", n, state, b)
			nodes++
		}
	}

	if err := v.WriteAtomic(name, buf.Bytes()); err != nil {
		log.Debug().Err(err).Str("file", name).Msg("couldn't write branch cache")
		return
	}
	log.Debug().
		Str("filter", filterLabel(repo.FilterName())).
		Int("labels", len(bc.entries)).
		Int("nodes", nodes).
		Msg("wrote branch cache")
}
