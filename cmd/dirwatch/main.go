// Command dirwatch watches directories for data files and writes their
// samples to a historian backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dirwatch",
	Short: "Directory-watching ingestion agent",
	Long: `dirwatch watches directories for data files, reads them with a configured
reader and writes their samples and conditions to a historian backend.

Files are claimed by renaming them to .importing and marked done by renaming
them to .imported, so a file is processed at most once.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DIRWATCH_CONFIG"), "Agent configuration file (YAML, TOML or JSON)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "agent", Title: "Agent:"},
		&cobra.Group{ID: "leaves", Title: "Leaf maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
