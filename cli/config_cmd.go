package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanhut/ivaldi-revstore/internal/colors"
	"github.com/javanhut/ivaldi-revstore/internal/config"
	"github.com/javanhut/ivaldi-revstore/internal/localrepo"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "config [key] [value]",
		Short: "Get and set configuration options",
		Long: `Get and set repository configuration options, stored in .ivaldi/config.yaml.
IVALDI_* environment variables override the file, for example IVALDI_LOG_LEVEL.

Examples:
  ivaldi config user.name "Your Name"
  ivaldi config storage.compression snappy
  ivaldi config --list
  ivaldi config user.name`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRoot(opts.fs, opts.repo)
			if err != nil {
				return err
			}
			path := filepath.Join(root, localrepo.DotDir, config.RepoConfigFile)
			cfg, err := config.Load(opts.fs, path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()

			switch {
			case list:
				for _, key := range config.Keys() {
					value, _ := cfg.Get(key)
					if value == "" {
						value = colors.Gray("(not set)")
					} else {
						value = colors.InfoText(value)
					}
					fmt.Fprintf(out, "%s = %s\n", key, value)
				}
				return nil
			case len(args) == 1:
				value, err := cfg.Get(args[0])
				if err != nil {
					return err
				}
				if value == "" {
					fmt.Fprintf(out, "%s is %s\n", args[0], colors.Gray("(not set)"))
				} else {
					fmt.Fprintln(out, value)
				}
				return nil
			case len(args) == 2:
				if err := cfg.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := config.Save(opts.fs, path, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s = %s\n", colors.SuccessText("Set"), colors.Bold(args[0]), colors.InfoText(args[1]))
				return nil
			}
			return fmt.Errorf("invalid usage. See: ivaldi config --help")
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List all configuration")
	return cmd
}
