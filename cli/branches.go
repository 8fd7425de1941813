package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/javanhut/ivaldi-revstore/internal/colors"
	"github.com/javanhut/ivaldi-revstore/internal/localrepo"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

type branchLine struct {
	name   string
	tipRev node.Rev
	tip    node.Node
	state  colors.BranchState
}

func newBranchesCmd(opts *globalOptions) *cobra.Command {
	var showClosed bool
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List repository named branches",
		Long: `Lists the named branches of the visible repository, active ones first.
A branch is inactive when none of its heads is a topological head.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			lines, err := listBranches(repo)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range lines {
				if l.state == colors.Closed && !showClosed {
					continue
				}
				suffix := ""
				switch l.state {
				case colors.Closed:
					suffix = " (closed)"
				case colors.Inactive:
					suffix = " (inactive)"
				}
				fmt.Fprintf(out, "%-30s %d:%s%s\n", colors.Branch(l.name, l.state), l.tipRev, colors.Node(l.tip.Short()), suffix)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showClosed, "closed", "c", false, "Show closed branches too")
	return cmd
}

func listBranches(repo *localrepo.Repo) ([]branchLine, error) {
	view, err := repo.View("visible")
	if err != nil {
		return nil, err
	}
	bm, err := view.BranchMap()
	if err != nil {
		return nil, err
	}
	cl := view.Changelog()
	topo, err := cl.HeadRevs()
	if err != nil {
		return nil, err
	}
	isTopo := make(map[node.Rev]bool, len(topo))
	for _, r := range topo {
		isTopo[r] = true
	}

	var lines []branchLine
	err = bm.IterBranches(func(branch string, heads []node.Node, tip node.Node, closed bool) error {
		tipRev, err := cl.Rev(tip)
		if err != nil {
			return err
		}
		state := colors.Inactive
		if closed {
			state = colors.Closed
		} else {
			for _, h := range heads {
				r, err := cl.Rev(h)
				if err != nil {
					return err
				}
				if isTopo[r] {
					state = colors.Active
					break
				}
			}
		}
		lines = append(lines, branchLine{name: branch, tipRev: tipRev, tip: tip, state: state})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if (lines[i].state == colors.Active) != (lines[j].state == colors.Active) {
			return lines[i].state == colors.Active
		}
		return lines[i].tipRev > lines[j].tipRev
	})
	return lines, nil
}

func newHeadsCmd(opts *globalOptions) *cobra.Command {
	var showClosed bool
	cmd := &cobra.Command{
		Use:   "heads [BRANCH...]",
		Short: "Show branch heads",
		Long:  `Shows the heads of the named branches, or of every branch, newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			bm, err := repo.BranchMap()
			if err != nil {
				return err
			}
			branches := args
			if len(branches) == 0 {
				err := bm.IterBranches(func(branch string, _ []node.Node, _ node.Node, _ bool) error {
					branches = append(branches, branch)
					return nil
				})
				if err != nil {
					return err
				}
			}

			type head struct {
				rev    node.Rev
				n      node.Node
				branch string
			}
			var heads []head
			for _, b := range branches {
				nodes, err := bm.BranchHeads(b, showClosed)
				if err != nil {
					return err
				}
				for _, n := range nodes {
					r, err := repo.Changelog().Rev(n)
					if err != nil {
						return err
					}
					heads = append(heads, head{rev: r, n: n, branch: b})
				}
			}
			sort.Slice(heads, func(i, j int) bool { return heads[i].rev > heads[j].rev })
			out := cmd.OutOrStdout()
			for _, h := range heads {
				phase, err := repo.PhaseOf(h.rev)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d:%s %s %s\n", h.rev, colors.Node(h.n.Short()), h.branch, colors.Phase(phase.String()))
			}
			if len(heads) == 0 && len(args) > 0 {
				return fmt.Errorf("no open branch heads found on branches %v", args)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showClosed, "closed", "c", false, "Show closed heads too")
	return cmd
}

func newPhaseCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "phase REV...",
		Short: "Show the phase of revisions",
		Long: `Shows the phase of each revision. Phases are not persisted: changesets
committed by earlier commands are public.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			for _, spec := range args {
				r, err := lookupRev(repo, spec)
				if err != nil {
					return err
				}
				p, err := repo.PhaseOf(r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", r, colors.Phase(p.String()))
			}
			return nil
		},
	}
}
