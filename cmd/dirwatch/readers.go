package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dirwatch/internal/reader"
)

var readersCmd = &cobra.Command{
	Use:     "readers",
	GroupID: "agent",
	Short:   "List the available readers",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range reader.Default().Names() {
			fmt.Println(name)
		}
	},
}

func init() {
	rootCmd.AddCommand(readersCmd)
}
