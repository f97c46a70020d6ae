// nurseryctl is the admin CLI: arbiter queries and supervision-tree
// inspection against a running nurseryd.
package main

import (
	"fmt"
	"os"

	"github.com/roasbeef/nursery/cmd/nurseryctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
