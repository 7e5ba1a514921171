package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cob-systems/cob/internal/config"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/replicate"
)

var (
	syncBranch string
	syncWatch  bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Watch the local ref directory for new tips and report rewritten history",
	Long: `sync watches the content-addressed store's ref directory for tip-ref
changes (spec.md §6: react to replicated refs without a full rescan) and,
for each update, checks whether the new tip is a fast-forward of the last
one seen. A non-fast-forward means the remote history was rewritten and
the object needs manual reconciliation rather than an ordinary merge.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncBranch == "" {
			syncBranch = config.GetString("replicate.branch")
		}
		if err := replicate.ValidateBranchName(syncBranch); err != nil {
			return err
		}

		app, err := newAppContext()
		if err != nil {
			return err
		}

		refDir := filepath.Join(storeDir, "refs")
		debounce := config.GetDuration("replicate.debounce")

		w, err := replicate.NewWatcher(refDir, debounce)
		if err != nil {
			return fmt.Errorf("watch %s: %w", refDir, err)
		}
		defer w.Close()

		fmt.Println(titleStyle.Render("watching"), refDir)

		known := make(map[string]oid.ID)
		for {
			select {
			case update, ok := <-w.Updates():
				if !ok {
					return nil
				}
				newHead, err := app.gs.ResolveRef(update.Ref)
				if err != nil {
					continue
				}
				oldHead := known[update.Ref]
				known[update.Ref] = newHead

				status, err := replicate.CheckForcePush(context.Background(), app.gs, oldHead, newHead)
				if err != nil {
					fmt.Println(errorStyle.Render("error checking "+update.Ref), err)
					continue
				}
				if status.Detected {
					fmt.Println(errorStyle.Render("rewritten history:"), update.Ref, "-", status.Message)
				} else {
					fmt.Println(okStyle.Render("updated:"), update.Ref)
				}
				if !syncWatch {
					return nil
				}
			case err, ok := <-w.Errors():
				if !ok {
					return nil
				}
				fmt.Println(errorStyle.Render("watch error:"), err)
			}
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncBranch, "branch", "", "replication branch name (default: replicate.branch from config)")
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep watching instead of exiting after the first update")
}
