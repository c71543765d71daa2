package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	jwc "github.com/jwc-audio/jwc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to every configured node and report its state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Duration("settle", 2*time.Second, "time to wait for nodes to report ready before printing")
}

func runStatus(cmd *cobra.Command, args []string) error {
	path, err := requireConfigPath()
	if err != nil {
		return err
	}

	fc, err := jwc.LoadConfigFromFile(path)
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fc.ApplyDefaults()

	client, err := jwc.NewClient(jwc.ClientConfig{
		Token:    fc.Token,
		Embedder: noopEmbedder{},
		Instance: fc.Instance,
	})
	if err != nil {
		return fmt.Errorf("failed to construct client: %w", err)
	}
	defer client.Close()

	for _, nc := range fc.ToNodes() {
		if _, err := client.AddNode(nc); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to add node %s: %v\n", nc.Name, err)
		}
	}

	settle, _ := cmd.Flags().GetDuration("settle")
	time.Sleep(settle)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tPOOL\tAVAILABLE\tSESSION\tPLAYERS\tPENALTY")
	for _, node := range client.GetNodes(false) {
		session := node.SessionID()
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%d\n",
			node.Name(), node.Config().Pool, node.Available(), session,
			node.PlayerCount(), node.PenaltyTotal())
	}
	return w.Flush()
}
