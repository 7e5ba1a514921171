package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/cob-systems/cob/internal/utils"
)

var showCmd = &cobra.Command{
	Use:   "show <typename> <object-id>",
	Short: "Merge an object's change DAG and print the resulting document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typename, id := args[0], args[1]

		app, err := newAppContext()
		if err != nil {
			return err
		}

		obj, err := app.store.RetrieveObject(context.Background(), typename, id)
		if err != nil {
			if known, kerr := app.store.EnumerateObjects(typename); kerr == nil {
				if suggestion, ok := utils.Suggest(id, known); ok {
					return fmt.Errorf("show %s/%s: %w (did you mean %q?)", typename, id, err, suggestion)
				}
			}
			return fmt.Errorf("show %s/%s: %w", typename, id, err)
		}

		if jsonOutput {
			out, err := json.Marshal(obj)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, obj.Document, "", "  "); err != nil {
			return fmt.Errorf("render document: %w", err)
		}

		md := fmt.Sprintf("# %s `%s`\n\n```json\n%s\n```\n\n*%d admitted change(s), %d discarded*\n",
			typename, id, pretty.String(), len(obj.History), len(obj.Diagnostics.Discarded))

		rendered, err := glamour.Render(md, "dark")
		if err != nil {
			fmt.Println(md) // fall back to raw markdown if the terminal renderer can't initialize
			return nil
		}
		fmt.Print(rendered)
		return nil
	},
}
