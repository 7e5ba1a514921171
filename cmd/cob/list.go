package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/utils"
)

var (
	listSince string
	listMatch string
)

var listCmd = &cobra.Command{
	Use:   "list <typename>",
	Short: "Enumerate known object ids for a typename",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typename := args[0]

		app, err := newAppContext()
		if err != nil {
			return err
		}

		ids, err := app.store.EnumerateObjects(typename)
		if err != nil {
			return fmt.Errorf("list %s: %w", typename, err)
		}

		var cutoff time.Time
		if listSince != "" {
			cutoff, err = parseSince(listSince)
			if err != nil {
				return err
			}
		}

		var kept []string
		for _, id := range ids {
			if !cutoff.IsZero() {
				t, err := objectCreatedAt(app, id)
				if err != nil || t.Before(cutoff) {
					continue
				}
			}
			if listMatch != "" && !utils.FuzzyMatch(listMatch, id) {
				continue
			}
			kept = append(kept, id)
		}

		if jsonOutput {
			fmt.Println(toJSONArray(kept))
			return nil
		}
		if len(kept) == 0 {
			fmt.Println(mutedStyle.Render("no objects found"))
			return nil
		}
		for _, id := range kept {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listSince, "since", "", `only list objects created after this time, e.g. "3 days ago"`)
	listCmd.Flags().StringVar(&listMatch, "match", "", "only list object ids whose characters appear in this order (fuzzy subsequence match)")
}

// parseSince turns a natural-language time expression into an absolute
// cutoff, the way the ancestor codebase's activity/devlog commands accept
// human-readable --since windows.
func parseSince(expr string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(expr, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --since %q: %w", expr, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", expr)
	}
	return result.Time, nil
}

// objectCreatedAt reads the root change commit's timestamp directly from
// the store, since an object id is the content address of its root
// commit (internal/object.CreateObject: objectID = oid.Encode(rootHash)).
func objectCreatedAt(app *appContext, objectID string) (time.Time, error) {
	rootHash, err := oid.Decode(objectID)
	if err != nil {
		return time.Time{}, err
	}
	commit, err := app.gs.ReadCommit(rootHash)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(commit.Timestamp, 0), nil
}

func toJSONArray(ids []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", id)
	}
	b.WriteByte(']')
	return b.String()
}
