package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/javanhut/ivaldi-revstore/internal/colors"
	"github.com/javanhut/ivaldi-revstore/internal/config"
	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/localrepo"
	"github.com/javanhut/ivaldi-revstore/internal/logging"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

type globalOptions struct {
	repo     string
	logLevel string
	fs       afero.Fs
}

// NewRootCommand builds the ivaldi command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{fs: afero.NewOsFs()}
	rootCmd := &cobra.Command{
		Use:   "ivaldi",
		Short: "Ivaldi revision store",
		Long: `Ivaldi stores changesets, manifests and file revisions in revlogs and keeps
branch head caches for every repository view.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.repo, "repository", "R", ".", "Repository root, or a directory inside it")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	// Core commands
	rootCmd.AddCommand(newForgeCmd(opts), newConfigCmd(opts))
	rootCmd.AddCommand(newCommitCmd(opts))
	rootCmd.AddCommand(newBranchesCmd(opts), newHeadsCmd(opts), newPhaseCmd(opts))

	// Cache inspection
	rootCmd.AddCommand(
		newDebugBranchmapCmd(opts),
		newDebugManifestCmd(opts),
		newDebugManifestFulltextCacheCmd(opts),
		newDebugUpdateCachesCmd(opts),
		newDebugRevBranchCacheCmd(opts),
	)
	return rootCmd
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", colors.ErrorText("error:"), err)
		os.Exit(1)
	}
}

// findRoot walks up from dir to the directory holding .ivaldi.
func findRoot(fs afero.Fs, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for cur := abs; ; {
		if ok, _ := afero.DirExists(fs, filepath.Join(cur, localrepo.DotDir)); ok {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("%w (no %s directory found from %s)", localrepo.ErrNotRepository, localrepo.DotDir, abs)
		}
		cur = parent
	}
}

func (o *globalOptions) openRepo(cmd *cobra.Command) (*localrepo.Repo, error) {
	root, err := findRoot(o.fs, o.repo)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.fs, filepath.Join(root, localrepo.DotDir, config.RepoConfigFile))
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	log := logging.New(cfg.Log.Level, cmd.ErrOrStderr())
	repo, err := localrepo.Open(o.fs, root, cfg, localrepo.Options{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return repo, nil
}

// lookupRev resolves a revision number, "tip", "null" or a node prefix.
func lookupRev(repo *localrepo.Repo, spec string) (node.Rev, error) {
	cl := repo.Changelog()
	switch spec {
	case "tip", ".":
		return node.Rev(cl.Len() - 1), nil
	case "null":
		return node.NullRev, nil
	}
	if r, err := strconv.Atoi(spec); err == nil && r >= -1 && r < cl.Len() {
		return node.Rev(r), nil
	}
	spec = strings.ToLower(spec)
	found := node.NullRev
	for r := 0; r < cl.Len(); r++ {
		n, err := cl.Node(node.Rev(r))
		if err != nil {
			return node.NullRev, err
		}
		if strings.HasPrefix(n.String(), spec) {
			if found != node.NullRev {
				return node.NullRev, fmt.Errorf("ambiguous revision identifier %q", spec)
			}
			found = node.Rev(r)
		}
	}
	if found == node.NullRev {
		return node.NullRev, errs.NewLookup("changelog", spec)
	}
	return found, nil
}

func lookupNode(repo *localrepo.Repo, spec string) (node.Node, error) {
	r, err := lookupRev(repo, spec)
	if err != nil {
		return node.Node{}, err
	}
	return repo.Changelog().Node(r)
}
