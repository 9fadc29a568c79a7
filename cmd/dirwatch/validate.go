package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dirwatch/internal/config"
	"github.com/mschirtzinger/dirwatch/internal/daemon"
	"github.com/mschirtzinger/dirwatch/internal/logging"
	"github.com/mschirtzinger/dirwatch/internal/reader"
)

var validateCmd = &cobra.Command{
	Use:     "validate",
	GroupID: "agent",
	Short:   "Check the configuration without running",
	Long: `Load the agent configuration and every connection document, and check
that each enabled connection names a known reader and usable directories.

Nothing is written and no backend is contacted.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("✗"), err)
			os.Exit(1)
		}
		conns, err := config.LoadConnections(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("✗"), err)
			os.Exit(1)
		}

		source := cfg.File
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Printf("%s Configuration: %s\n", renderPass("✓"), source)
		fmt.Printf("   Backend: %s\n", cfg.Backend.Kind)

		failed := false
		registry := reader.Default()
		for _, c := range conns {
			if !c.Enabled {
				fmt.Printf("%s %s %s\n", renderWarn("-"), c.ID, renderMuted("(disabled)"))
				continue
			}
			if err := checkConnection(registry, c); err != nil {
				fmt.Printf("%s %s: %v\n", renderFail("✗"), c.ID, err)
				failed = true
				continue
			}
			fmt.Printf("%s %s %s\n", renderPass("✓"), c.ID, renderMuted(fmt.Sprintf("(%s, %s)", c.Reader, c.Source)))
		}
		if len(conns) == 0 {
			fmt.Printf("%s no connections configured\n", renderWarn("⚠"))
		}
		if failed {
			os.Exit(1)
		}
	},
}

func checkConnection(registry *reader.Registry, c config.Connection) error {
	if _, err := registry.New(c.Reader, c.ReaderSettings(), logging.Discard()); err != nil {
		return err
	}
	_, err := daemon.WatchSpecs(&c)
	return err
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
