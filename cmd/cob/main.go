// Command cob is a CLI front end over the collaborative-object core in
// internal/object: create, update, show, list, and replicate content-
// addressed CRDT change DAGs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}
