package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/ivaldi-revstore/internal/branchmap"
	"github.com/javanhut/ivaldi-revstore/internal/manifest"
	"github.com/javanhut/ivaldi-revstore/internal/manifestlog"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

func newDebugBranchmapCmd(opts *globalOptions) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "debugbranchmap",
		Short: "Show the branch cache of a repository view",
		Long: `Prints the cache key and every branch head of one view. The view defaults
to "visible"; pass --filter "" for the unfiltered repository.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			view, err := repo.View(filter)
			if err != nil {
				return err
			}
			bm, err := view.BranchMap()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "view: %s (%s)\n", displayFilter(filter), branchmap.Filename(filter))
			fmt.Fprintf(out, "tip: %d:%s\n", bm.TipRev(), bm.TipNode())
			if h := bm.FilteredHash(); h != nil {
				fmt.Fprintf(out, "filtered hash: %x\n", h)
			}
			return bm.IterBranches(func(branch string, heads []node.Node, tip node.Node, closed bool) error {
				for _, h := range heads {
					state := "o"
					if bm.IsClosed(h) {
						state = "c"
					}
					marker := ""
					if h == tip {
						marker = " (tip)"
					}
					fmt.Fprintf(out, "%s %s %s%s\n", h, state, branch, marker)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "visible", "Repository view")
	return cmd
}

func displayFilter(name string) string {
	if name == "" {
		return "unfiltered"
	}
	return name
}

func newDebugManifestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debugmanifest [REV]",
		Short: "List the manifest of a revision",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			spec := "tip"
			if len(args) == 1 {
				spec = args[0]
			}
			rev, err := lookupRev(repo, spec)
			if err != nil {
				return err
			}
			mn := repo.Constants().NullID
			if rev != node.NullRev {
				e, err := repo.Changelog().Read(rev)
				if err != nil {
					return err
				}
				mn = e.Manifest
			}
			ctx, err := repo.Manifests().Get("", mn, false)
			if err != nil {
				return err
			}
			m, err := ctx.Read()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return m.Iterate(func(path string, e manifest.Entry) error {
				mode, marker := "644", " "
				switch e.Flags {
				case manifest.FlagExec:
					mode, marker = "755", "*"
				case manifest.FlagSymlink:
					mode, marker = "644", "@"
				}
				fmt.Fprintf(out, "%s %s %s %s\n", e.Node, mode, marker, path)
				return nil
			})
		},
	}
}

func newDebugManifestFulltextCacheCmd(opts *globalOptions) *cobra.Command {
	var (
		clearCache bool
		add        []string
	)
	cmd := &cobra.Command{
		Use:   "debugmanifestfulltextcache",
		Short: "Show, clear or fill the manifest full-text cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			out := cmd.OutOrStdout()
			cache := repo.Manifests().Root().FulltextCache()

			if clearCache || len(add) > 0 {
				lock, err := repo.WLock()
				if err != nil {
					return err
				}
				if clearCache {
					repo.Manifests().ClearCaches(true)
				}
				for _, spec := range add {
					n, err := repo.Constants().FromHex(spec)
					if err != nil {
						_ = lock.Release(false)
						return fmt.Errorf("invalid manifest node %s: %w", spec, err)
					}
					ctx, err := repo.Manifests().Lookup(n)
					if err != nil {
						_ = lock.Release(false)
						return err
					}
					if _, err := ctx.Read(); err != nil {
						_ = lock.Release(false)
						return err
					}
				}
				return lock.Release(true)
			}

			if cache.Len() == 0 {
				fmt.Fprintln(out, "cache empty")
			} else {
				fmt.Fprintf(out, "cache contains %d manifest entries, in order of most to least recent:\n", cache.Len())
				total := 0
				cache.Entries(func(n node.Node, text []byte) {
					total += len(text)
					fmt.Fprintf(out, "id: %s, size %s\n", n, byteCount(int64(len(text))))
				})
				fmt.Fprintf(out, "total cache data size %s\n", byteCount(int64(total)))
			}
			size, err := repo.CacheVFS().Size(manifestlog.FulltextCacheFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "on-disk file size: %s\n", byteCount(size))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearCache, "clear", false, "Clear the cache")
	cmd.Flags().StringSliceVar(&add, "add", nil, "Add the given manifest node to the cache")
	return cmd
}

func byteCount(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func newDebugUpdateCachesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debugupdatecaches",
		Short: "Warm every branch and revision branch cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			lock, err := repo.WLock()
			if err != nil {
				return err
			}
			if err := repo.UpdateCaches(true); err != nil {
				_ = lock.Release(false)
				return err
			}
			return lock.Release(true)
		},
	}
}

func newDebugRevBranchCacheCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debugrevbranchcache",
		Short: "Show the branch of every revision from the revision branch cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			rbc := repo.RevBranchCache()
			out := cmd.OutOrStdout()
			for rev := 0; rev < repo.Changelog().Len(); rev++ {
				n, err := repo.Changelog().Node(node.Rev(rev))
				if err != nil {
					return err
				}
				branch, closed, err := rbc.BranchInfo(node.Rev(rev))
				if err != nil {
					return err
				}
				suffix := ""
				if closed {
					suffix = " closed"
				}
				fmt.Fprintf(out, "%d %s %s%s\n", rev, n, branch, suffix)
			}
			fmt.Fprintf(out, "%d records, %d branch names\n", rbc.Records(), len(rbc.Names()))
			return rbc.Write(nil)
		},
	}
}
