package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cob-systems/cob/internal/utils"
)

var (
	updateField  string
	updateValue  string
	updateSet    string
	updateElem   string
	updateRemove bool
)

var updateCmd = &cobra.Command{
	Use:   "update <typename> <object-id>",
	Short: "Publish a change to an existing collaborative object",
	Long: `Publish one CRDT op as a new change commit whose parents are the
object's current heads. Exactly one op kind applies per invocation:

  --field/--value        set a top-level field
  --set/--elem/--value    add an element to a named OR-set
  --set/--elem/--remove   tombstone an element in a named OR-set`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typename, id := args[0], args[1]

		app, err := newAppContext()
		if err != nil {
			return err
		}

		op, err := buildUpdateOp(app)
		if err != nil {
			return err
		}

		if err := app.store.UpdateObject(typename, id, op, app.ident.Commit, app.ident.Commit, app.ident.Signer); err != nil {
			if known, kerr := app.store.EnumerateObjects(typename); kerr == nil {
				if suggestion, ok := utils.Suggest(id, known); ok {
					return fmt.Errorf("update %s/%s: %w (did you mean %q?)", typename, id, err, suggestion)
				}
			}
			return fmt.Errorf("update %s/%s: %w", typename, id, err)
		}

		if jsonOutput {
			fmt.Printf(`{"typename":%q,"id":%q,"status":"updated"}`+"\n", typename, id)
			return nil
		}
		fmt.Println(okStyle.Render("updated"), titleStyle.Render(id))
		return nil
	},
}

func buildUpdateOp(app *appContext) ([]byte, error) {
	switch {
	case updateRemove:
		if updateSet == "" || updateElem == "" {
			return nil, fmt.Errorf("--remove requires --set and --elem")
		}
		return buildRemoveOp(app.ident, updateSet, updateElem)
	case updateSet != "":
		if updateElem == "" || updateValue == "" {
			return nil, fmt.Errorf("--set requires --elem and --value")
		}
		return buildAddOp(app.ident, updateSet, updateElem, updateValue)
	case updateField != "":
		if updateValue == "" {
			return nil, fmt.Errorf("--field requires --value")
		}
		return buildSetOp(app.ident, updateField, updateValue)
	default:
		return nil, fmt.Errorf("specify --field, --set, or --set --remove")
	}
}

func init() {
	updateCmd.Flags().StringVar(&updateField, "field", "", "field name to set")
	updateCmd.Flags().StringVar(&updateValue, "value", "", "JSON value for --field or --set")
	updateCmd.Flags().StringVar(&updateSet, "set", "", "named OR-set to add to or remove from")
	updateCmd.Flags().StringVar(&updateElem, "elem", "", "element id within --set")
	updateCmd.Flags().BoolVar(&updateRemove, "remove", false, "tombstone --elem in --set instead of adding it")
}
