package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanhut/ivaldi-revstore/internal/colors"
	"github.com/javanhut/ivaldi-revstore/internal/config"
	"github.com/javanhut/ivaldi-revstore/internal/localrepo"
)

func newForgeCmd(opts *globalOptions) *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:     "forge [DIR]",
		Aliases: []string{"init"},
		Short:   "Initialize",
		Long: `Creates a new repository in DIR, or the current directory.

Examples:
  ivaldi forge
  ivaldi forge --node-hash blake3 --tree-manifest myrepo`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if err := opts.fs.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", abs, err)
			}
			if err := localrepo.Init(opts.fs, abs, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", colors.SuccessText("initialized repository in"), abs)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Format.NodeHash, "node-hash", cfg.Format.NodeHash, "Changeset node hash (sha1, blake3)")
	f.BoolVar(&cfg.Format.TreeManifest, "tree-manifest", cfg.Format.TreeManifest, "Store one manifest revlog per directory")
	f.StringVar(&cfg.Storage.Backend, "backend", cfg.Storage.Backend, "Revision store backend (bolt, memory)")
	f.StringVar(&cfg.Storage.Compression, "compression", cfg.Storage.Compression, "Revision chunk compression")
	f.StringVar(&cfg.User.Name, "user-name", "", "Default committer name")
	f.StringVar(&cfg.User.Email, "user-email", "", "Default committer email")
	return cmd
}
