package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/roasbeef/nursery/internal/web"
)

var treeCmd = &cobra.Command{
	Use:   "tree <dashboard-addr>",
	Short: "Fetch a supervision-tree snapshot from a nurseryd dashboard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/api/v1/tree", args[0])

		client := &http.Client{Timeout: cmdTimeout}
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("dashboard returned %s", resp.Status)
		}

		var snap web.TreeSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return err
		}

		if outputFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		fmt.Printf("%s (%s) @ %s\n", snap.Actor.Name,
			shortID(snap.Actor.InstanceID), snap.Actor.ListenAddr)
		for i, n := range snap.Nurseries {
			status := "open"
			if n.Cancelled {
				status = "cancelled"
			}
			fmt.Printf("  nursery[%d] %s\n", i, status)
			for _, c := range n.Children {
				fmt.Printf("    %-20s %-10s pid=%d\n",
					c.Name+"/"+shortID(c.InstanceID),
					c.State, c.PID)
			}
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	rootCmd.AddCommand(treeCmd)
}
