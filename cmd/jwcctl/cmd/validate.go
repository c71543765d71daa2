package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	jwc "github.com/jwc-audio/jwc"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a FileConfig document",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("OK: %d node(s), %d pool assignment(s)\n", len(fc.Nodes), len(fc.Pools))
	return nil
}
