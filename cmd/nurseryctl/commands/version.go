package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roasbeef/nursery/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nurseryctl %s (go %s)\n", build.Version(),
			build.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
