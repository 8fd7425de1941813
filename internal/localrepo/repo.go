// Package localrepo opens a repository directory and wires its stores and
// caches together: the changelog, the manifest log, the revision branch
// cache and the per-view branch maps.
package localrepo

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/javanhut/ivaldi-revstore/internal/branchmap"
	"github.com/javanhut/ivaldi-revstore/internal/changelog"
	"github.com/javanhut/ivaldi-revstore/internal/compress"
	"github.com/javanhut/ivaldi-revstore/internal/config"
	"github.com/javanhut/ivaldi-revstore/internal/manifest"
	"github.com/javanhut/ivaldi-revstore/internal/manifestlog"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/revbranchcache"
	"github.com/javanhut/ivaldi-revstore/internal/revlog"
	"github.com/javanhut/ivaldi-revstore/internal/store"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

const (
	DotDir   = ".ivaldi"
	StoreDir = "store"
	CacheDir = "cache"

	changelogName = "00changelog"
)

var (
	ErrNotRepository  = errors.New("not an ivaldi repository")
	ErrTransactionOpen = errors.New("a transaction is already open")
)

// Options configures Open.
type Options struct {
	Logger zerolog.Logger
}

// Repo is an open repository.
type Repo struct {
	fs     afero.Fs
	root   string
	cfg    *config.Config
	consts node.Constants
	log    zerolog.Logger

	db       *store.SharedDB
	revlogs  map[string]*revlog.Revlog
	rlOpts   revlog.Options
	cacheVFS *vfs.VFS

	cl         *changelog.Log
	manifests  *manifestlog.ManifestLog
	rbc        *revbranchcache.Cache
	branchmaps *branchmap.MapCache

	wlock *txn.Lock
	tr    *txn.Tx

	// phases[rev]; revisions that existed when the repository was opened
	// are public
	phases      []Phase
	obsolete    *roaring.Bitmap
	filterCache map[string]*roaring.Bitmap
}

// Init creates the repository directory at root and writes cfg to it.
func Init(fs afero.Fs, root string, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	dot := filepath.Join(root, DotDir)
	if exists, _ := afero.DirExists(fs, dot); exists {
		return fmt.Errorf("repository already exists at %s", root)
	}
	for _, dir := range []string{dot, filepath.Join(dot, StoreDir), filepath.Join(dot, CacheDir)} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return config.Save(fs, filepath.Join(dot, config.RepoConfigFile), cfg)
}

// Open opens the repository at root. A nil cfg is loaded from the
// repository config file.
func Open(fs afero.Fs, root string, cfg *config.Config, opts Options) (*Repo, error) {
	dot := filepath.Join(root, DotDir)
	if exists, _ := afero.DirExists(fs, dot); !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}
	if cfg == nil {
		var err error
		if cfg, err = config.Load(fs, filepath.Join(dot, config.RepoConfigFile)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Repo{
		fs:          fs,
		root:        root,
		cfg:         cfg,
		log:         opts.Logger,
		revlogs:     make(map[string]*revlog.Revlog),
		cacheVFS:    vfs.New(fs, filepath.Join(dot, CacheDir)),
		branchmaps:  branchmap.NewMapCache(),
		wlock:       txn.NewLock("wlock"),
		obsolete:    roaring.New(),
		filterCache: make(map[string]*roaring.Bitmap),
	}

	nodeHash := cfg.Format.NodeHash
	if cfg.Storage.Backend == "bolt" {
		if _, ok := fs.(*afero.OsFs); !ok {
			return nil, errors.New("the bolt storage backend needs the OS filesystem")
		}
		db, err := store.GetSharedDB(filepath.Join(dot, StoreDir))
		if err != nil {
			return nil, err
		}
		r.db = db
		// the node hash is fixed when the store is created
		stored, err := db.GetConfig("format.nodehash")
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := db.PutConfig("format.nodehash", nodeHash); err != nil {
				r.Close()
				return nil, err
			}
		case err != nil:
			r.Close()
			return nil, err
		default:
			nodeHash = stored
		}
	}

	consts, err := node.ByName(nodeHash)
	if err != nil {
		r.Close()
		return nil, err
	}
	comp, err := compress.ParseType(cfg.Storage.Compression)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.consts = consts
	r.rlOpts = revlog.Options{
		Constants:   consts,
		Compression: comp,
		MaxChainLen: cfg.Storage.MaxChainLen,
		Logger:      r.log,
	}

	clrl, err := r.openRevlog(changelogName)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.cl = changelog.New(clrl)

	root0, err := manifestlog.NewRevlog(func(name string) (revlog.Store, error) {
		rl, err := r.openRevlog(name)
		if err != nil {
			return nil, err
		}
		return rl, nil
	}, manifestlog.RevlogOptions{
		Constants:    consts,
		TreeManifest: cfg.Format.TreeManifest,
		CacheSize:    cfg.Format.ManifestCacheSize,
		CacheVFS:     r.cacheVFS,
		Logger:       r.log,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	r.manifests = manifestlog.New(root0, manifestlog.Options{
		DirCacheSize: cfg.Format.DirManCacheSize,
		Logger:       r.log,
	})

	r.rbc = revbranchcache.Open(r.cl, r.cacheVFS, revbranchcache.Options{
		Lock:               r.wlock,
		CurrentTransaction: r.currentTransaction,
		Logger:             r.log,
	})
	r.phases = make([]Phase, r.cl.Len())
	return r, nil
}

func (r *Repo) openRevlog(name string) (*revlog.Revlog, error) {
	if rl, ok := r.revlogs[name]; ok {
		return rl, nil
	}
	var rl *revlog.Revlog
	if r.db == nil {
		rl = revlog.NewMemory(name, r.rlOpts)
	} else {
		var err error
		rl, err = revlog.Open(name, revlog.NewBoltBackend(r.db.DB, name), r.rlOpts)
		if err != nil {
			return nil, err
		}
	}
	r.revlogs[name] = rl
	return rl, nil
}

// Close releases the store.
func (r *Repo) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Repo) Root() string { return r.root }

func (r *Repo) Config() *config.Config { return r.cfg }

func (r *Repo) Constants() node.Constants { return r.consts }

func (r *Repo) Logger() zerolog.Logger { return r.log }

func (r *Repo) Changelog() *changelog.Log { return r.cl }

func (r *Repo) Manifests() *manifestlog.ManifestLog { return r.manifests }

func (r *Repo) RevBranchCache() *revbranchcache.Cache { return r.rbc }

func (r *Repo) CacheVFS() *vfs.VFS { return r.cacheVFS }

// BranchMaps returns the per-view branch caches.
func (r *Repo) BranchMaps() *branchmap.MapCache { return r.branchmaps }

func (r *Repo) currentTransaction() txn.Transaction {
	if r.tr == nil {
		return nil
	}
	return r.tr
}

// Transaction opens a transaction. Closing it refreshes the served branch
// caches; aborting it strips the revisions it added.
func (r *Repo) Transaction(desc string) (*txn.Tx, error) {
	if r.tr != nil {
		return nil, ErrTransactionOpen
	}
	tr := txn.New(desc, r.log)
	start := r.cl.Len()
	tr.AddAbort("localrepo", func(txn.Transaction) {
		r.tr = nil
		if len(r.phases) > start {
			r.phases = r.phases[:start]
		}
		r.obsolete.RemoveRange(uint64(start), uint64(1)<<32)
		r.invalidateFilters()
		r.branchmaps.Clear()
	})
	tr.AddPostClose("localrepo", func(txn.Transaction) {
		r.tr = nil
		if err := r.UpdateCaches(false); err != nil {
			r.log.Warn().Err(err).Msg("failed to update caches")
		}
	})
	r.tr = tr
	return tr, nil
}

// WLock takes the working lock. The manifest full-text cache is written when
// it is released after success.
func (r *Repo) WLock() (*txn.Lock, error) {
	if err := r.wlock.TryAcquire(); err != nil {
		return nil, err
	}
	r.manifests.Root().SetupCacheHook(r.wlock)
	return r.wlock, nil
}

// FileChange is the new state of one path in a commit.
type FileChange struct {
	Data    []byte
	Flags   string
	Removed bool
}

// CommitRequest describes a changeset to create.
type CommitRequest struct {
	// P1 and P2 are the parents; zero values mean none.
	P1, P2      node.Node
	Files       map[string]FileChange
	User        string
	Time        time.Time
	Description string
	// Branch defaults to the branch of P1.
	Branch string
	Close  bool
	Extra  map[string]string
}

func (r *Repo) filelog(path string) (*revlog.Revlog, error) {
	return r.openRevlog("data/" + path)
}

func (r *Repo) manifestNode(rev node.Rev) (node.Node, error) {
	if rev == node.NullRev {
		return r.consts.NullID, nil
	}
	e, err := r.cl.Read(rev)
	if err != nil {
		return node.Node{}, err
	}
	return e.Manifest, nil
}

// Commit stores the files, the manifest and the changeset of req and
// returns the changeset node. New changesets are draft.
func (r *Repo) Commit(tr txn.Transaction, req CommitRequest) (node.Node, error) {
	null := r.consts.NullID
	p1, p2 := req.P1, req.P2
	if p1.IsZero() {
		p1 = null
	}
	if p2.IsZero() {
		p2 = null
	}
	p1rev, err := r.cl.Rev(p1)
	if err != nil {
		return node.Node{}, fmt.Errorf("failed to resolve first parent: %w", err)
	}
	p2rev, err := r.cl.Rev(p2)
	if err != nil {
		return node.Node{}, fmt.Errorf("failed to resolve second parent: %w", err)
	}
	linkRev := node.Rev(r.cl.Len())

	mp1, err := r.manifestNode(p1rev)
	if err != nil {
		return node.Node{}, err
	}
	mp2, err := r.manifestNode(p2rev)
	if err != nil {
		return node.Node{}, err
	}
	mctx, err := r.manifests.Get("", mp1, false)
	if err != nil {
		return node.Node{}, err
	}
	m, err := mctx.Read()
	if err != nil {
		return node.Node{}, err
	}

	paths := make([]string, 0, len(req.Files))
	for p := range req.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var added, removed []string
	for _, path := range paths {
		fc := req.Files[path]
		prev, ok, err := m.Find(path)
		if err != nil {
			return node.Node{}, err
		}
		if fc.Removed {
			if !ok {
				return node.Node{}, fmt.Errorf("cannot remove %s: not tracked", path)
			}
			if err := m.Delete(path); err != nil {
				return node.Node{}, err
			}
			removed = append(removed, path)
			continue
		}
		if err := manifest.CheckPath(path); err != nil {
			return node.Node{}, err
		}
		fl, err := r.filelog(path)
		if err != nil {
			return node.Node{}, err
		}
		fp1 := null
		if ok {
			fp1 = prev.Node
		}
		fn, err := fl.AddRevision(fc.Data, tr, linkRev, fp1, null, nil)
		if err != nil {
			return node.Node{}, fmt.Errorf("failed to store %s: %w", path, err)
		}
		if ok && prev.Node == fn && prev.Flags == fc.Flags {
			continue
		}
		if err := m.Set(path, manifest.Entry{Node: fn, Flags: fc.Flags}); err != nil {
			return node.Node{}, err
		}
		added = append(added, path)
	}

	mn, err := r.manifests.NewManifestFrom(m).Write(tr, linkRev, mp1, mp2, added, removed, nil)
	if err != nil {
		return node.Node{}, fmt.Errorf("failed to write manifest: %w", err)
	}

	branch := req.Branch
	if branch == "" {
		if branch, _, err = r.rbc.BranchInfo(p1rev); err != nil {
			return node.Node{}, err
		}
	}
	extra := make(map[string]string, len(req.Extra)+2)
	for k, v := range req.Extra {
		extra[k] = v
	}
	extra["branch"] = branch
	if req.Close {
		extra["close"] = "1"
	}
	when := req.Time
	if when.IsZero() {
		when = time.Now()
	}
	_, offset := when.Zone()
	e := &changelog.Entry{
		Manifest:    mn,
		User:        req.User,
		Time:        when.Unix(),
		TZ:          -offset,
		Files:       append(added, removed...),
		Description: req.Description,
		Extra:       extra,
	}
	n, err := r.cl.Add(tr, e, p1, p2)
	if err != nil {
		return node.Node{}, err
	}
	rev, err := r.cl.Rev(n)
	if err != nil {
		return node.Node{}, err
	}
	if err := r.rbc.SetData(rev, n, branch, req.Close); err != nil {
		return node.Node{}, err
	}
	for len(r.phases) <= int(rev) {
		r.phases = append(r.phases, Draft)
	}
	r.invalidateFilters()
	r.log.Debug().Int("rev", int(rev)).Str("node", n.Short()).Str("branch", branch).Msg("committed changeset")
	return n, nil
}
