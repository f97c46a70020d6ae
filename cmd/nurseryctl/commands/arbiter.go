package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roasbeef/nursery/internal/arbiter"
)

var arbiterCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Query the host arbiter's name registry",
}

var arbiterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered actor name and endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArbiter(func(
			ctx context.Context, c *arbiter.Client,
		) error {

			table, err := c.List(ctx)
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				out := make(map[string]string, len(table))
				for name, ep := range table {
					out[name] = ep.String()
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			names := make([]string, 0, len(table))
			for name := range table {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				fmt.Printf("%-24s %s\n", name, table[name])
			}
			if len(names) == 0 {
				fmt.Println("(no registrations)")
			}
			return nil
		})
	},
}

var arbiterFindCmd = &cobra.Command{
	Use:   "find <name>",
	Short: "Resolve one actor name to its endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArbiter(func(
			ctx context.Context, c *arbiter.Client,
		) error {

			ep, err := c.Find(ctx, args[0])
			if err != nil {
				return err
			}

			found := ep.IsSome()
			if outputFormat == "json" {
				out := map[string]any{"found": found}
				ep.WhenSome(func(e arbiter.Endpoint) {
					out["endpoint"] = e.String()
				})
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			if !found {
				return fmt.Errorf("%q is not registered",
					args[0])
			}
			ep.WhenSome(func(e arbiter.Endpoint) {
				fmt.Println(e.String())
			})
			return nil
		})
	},
}

var arbiterUnregisterCmd = &cobra.Command{
	Use:   "unregister <name>",
	Short: "Drop a stale registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArbiter(func(
			ctx context.Context, c *arbiter.Client,
		) error {

			return c.Unregister(ctx, args[0])
		})
	},
}

func init() {
	arbiterCmd.AddCommand(arbiterListCmd)
	arbiterCmd.AddCommand(arbiterFindCmd)
	arbiterCmd.AddCommand(arbiterUnregisterCmd)
	rootCmd.AddCommand(arbiterCmd)
}
