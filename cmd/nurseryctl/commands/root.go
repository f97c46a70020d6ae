package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/roasbeef/nursery/internal/arbiter"
	"github.com/roasbeef/nursery/internal/boot"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
)

var (
	// arbiterAddr is the arbiter endpoint to query.
	arbiterAddr string

	// outputFormat controls output format (text, json).
	outputFormat string

	// cmdTimeout bounds every CLI operation.
	cmdTimeout time.Duration
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "nurseryctl",
	Short: "Actor runtime admin CLI",
	Long: `nurseryctl inspects a running actor tree: query the host arbiter's
name registry and fetch supervision-tree snapshots from a nurseryd
status dashboard.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&arbiterAddr, "arbiter", boot.ArbiterAddr(),
		"Arbiter endpoint to query",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)
	rootCmd.PersistentFlags().DurationVar(
		&cmdTimeout, "timeout", 10*time.Second,
		"Per-command timeout",
	)
}

// withArbiter boots a throwaway CLI actor, connects it to the arbiter,
// and hands the client to f, tearing everything down afterwards.
func withArbiter(
	f func(ctx context.Context, c *arbiter.Client) error,
) error {

	ctx, cancel := context.WithTimeout(
		context.Background(), cmdTimeout,
	)
	defer cancel()

	a := runtime.New(rtid.NewUID("nurseryctl"))
	defer a.Cancel()

	client, err := arbiter.Connect(a, arbiterAddr)
	if err != nil {
		return err
	}

	return f(ctx, client)
}
