package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/javanhut/ivaldi-revstore/internal/colors"
	"github.com/javanhut/ivaldi-revstore/internal/localrepo"
)

type commitOptions struct {
	message string
	branch  string
	close   bool
	parents []string
	user    string
	removed []string
}

func newCommitCmd(opts *globalOptions) *cobra.Command {
	o := &commitOptions{}
	cmd := &cobra.Command{
		Use:     "debugcommit -m MESSAGE [FILE...]",
		Aliases: []string{"seal"},
		Short:   "Record a changeset from files in the working directory",
		Long: `Stores the named files, relative to the repository root, as a new changeset.
The first parent defaults to the tip; files of the parent not named are kept.

Examples:
  ivaldi debugcommit -m "add readme" README.md
  ivaldi debugcommit -m "fork" -b feature -p 3 src/main.go
  ivaldi debugcommit -m "done" --close`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommit(cmd, opts, o, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.message, "message", "m", "", "Commit message")
	f.StringVarP(&o.branch, "branch", "b", "", "Branch name (default: the first parent's)")
	f.BoolVar(&o.close, "close", false, "Close the branch")
	f.StringSliceVarP(&o.parents, "parent", "p", nil, "Parent revision, at most twice")
	f.StringVarP(&o.user, "user", "u", "", "Committer (default: user.name <user.email>)")
	f.StringSliceVar(&o.removed, "remove", nil, "Paths to remove")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runCommit(cmd *cobra.Command, opts *globalOptions, o *commitOptions, args []string) error {
	if len(o.parents) > 2 {
		return fmt.Errorf("at most two parents are allowed, %d given", len(o.parents))
	}
	repo, err := opts.openRepo(cmd)
	if err != nil {
		return err
	}
	defer repo.Close()

	req := localrepo.CommitRequest{
		Description: o.message,
		Branch:      o.branch,
		Close:       o.close,
		User:        o.user,
		Files:       make(map[string]localrepo.FileChange),
	}
	if req.User == "" {
		if req.User, err = repo.Config().Author(); err != nil {
			return fmt.Errorf("no committer given: %w", err)
		}
	}
	parents := o.parents
	if len(parents) == 0 && repo.Changelog().Len() > 0 {
		parents = []string{"tip"}
	}
	for i, spec := range parents {
		n, err := lookupNode(repo, spec)
		if err != nil {
			return fmt.Errorf("failed to resolve parent %s: %w", spec, err)
		}
		if i == 0 {
			req.P1 = n
		} else {
			req.P2 = n
		}
	}

	for _, arg := range args {
		path, fc, err := readWorkingFile(opts.fs, repo.Root(), arg)
		if err != nil {
			return err
		}
		req.Files[path] = fc
	}
	for _, arg := range o.removed {
		path, err := repoPath(repo.Root(), arg)
		if err != nil {
			return err
		}
		req.Files[path] = localrepo.FileChange{Removed: true}
	}

	lock, err := repo.WLock()
	if err != nil {
		return err
	}
	success := false
	defer func() { _ = lock.Release(success) }()

	tr, err := repo.Transaction("commit")
	if err != nil {
		return err
	}
	n, err := repo.Commit(tr, req)
	if err != nil {
		tr.Abort()
		return fmt.Errorf("failed to commit: %w", err)
	}
	if err := tr.Close(); err != nil {
		return err
	}
	success = true

	rev, err := repo.Changelog().Rev(n)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "committed changeset %d:%s\n", rev, colors.Node(n.Short()))
	return nil
}

// repoPath turns a path given on the command line into a slash separated
// path relative to root.
func repoPath(root, arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the repository", arg)
	}
	return filepath.ToSlash(rel), nil
}

func readWorkingFile(fs afero.Fs, root, arg string) (string, localrepo.FileChange, error) {
	path, err := repoPath(root, arg)
	if err != nil {
		return "", localrepo.FileChange{}, err
	}
	full := filepath.Join(root, filepath.FromSlash(path))
	info, err := fs.Stat(full)
	if err != nil {
		return "", localrepo.FileChange{}, fmt.Errorf("failed to stat %s: %w", arg, err)
	}
	if info.IsDir() {
		return "", localrepo.FileChange{}, fmt.Errorf("%s is a directory", arg)
	}
	data, err := afero.ReadFile(fs, full)
	if err != nil {
		return "", localrepo.FileChange{}, fmt.Errorf("failed to read %s: %w", arg, err)
	}
	fc := localrepo.FileChange{Data: data}
	if info.Mode()&0o111 != 0 {
		fc.Flags = "x"
	}
	return path, fc, nil
}
