// Package cmd provides the CLI commands for jwcctl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "jwcctl",
	Short: "Inspect a jwc audio-node fleet",
	Long: `jwcctl loads a jwc FileConfig document and talks directly to the
audio nodes it describes — validating the document, or connecting long
enough to report each node's availability, session, and player counts.

It does not require a running chat-bot process; the gateway collaborator
is stubbed out locally.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a jwc FileConfig JSON document (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	viper.BindPFlag("config_file", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindEnv("config_file", "JWC_CONFIG")
}

func initConfig() {
	viper.AutomaticEnv()
}

// getConfigPath returns the config file path from the flag or JWC_CONFIG.
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.GetString("config_file")
}

func requireConfigPath() (string, error) {
	path := getConfigPath()
	if path == "" {
		return "", fmt.Errorf("config file is required (use --config or set JWC_CONFIG)")
	}
	return path, nil
}
