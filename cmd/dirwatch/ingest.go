package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dirwatch/internal/config"
	"github.com/mschirtzinger/dirwatch/internal/daemon"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
	"github.com/mschirtzinger/dirwatch/internal/logging"
)

var ingestCmd = &cobra.Command{
	Use:     "ingest <connection-id> <file>",
	GroupID: "agent",
	Short:   "Ingest one file without claiming it",
	Long: `Read one file with a connection's reader and write its samples.

The file is not renamed. Leaf cursors still apply, so ingesting the same file
twice writes nothing the second time.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := loadAgent()
		defer a.Close()

		conn := a.mustConnection(args[0])
		conn.Enabled = true
		b := a.mustBackend()

		d, err := daemon.New(b, []config.Connection{conn}, &daemon.Config{
			Logger: logging.Named(a.logger, "daemon"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		results, err := d.IngestFile(context.Background(), conn.ID, args[1])
		for _, res := range results {
			printResult(res)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Ingest failed: %v\n", renderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s Ingested %s in %v\n", renderPass("✓"), args[1], time.Since(start).Round(time.Millisecond))
	},
}

func printResult(res *ingest.Result) {
	fmt.Printf("%s (%d leaves, %d samples, %v)\n", res.Filename, len(res.Leaves), res.Written(), res.Duration.Round(time.Millisecond))
	for _, l := range res.Leaves {
		mark := renderPass("✓")
		switch l.Outcome {
		case ingest.OutcomeFailed:
			mark = renderFail("✗")
		case ingest.OutcomeSkipped, ingest.OutcomeEmpty:
			mark = renderWarn("-")
		}
		line := fmt.Sprintf("   %s %s %s written=%d dropped=%d", mark, l.Path, renderMuted(string(l.Outcome)), l.Written, l.Dropped)
		if l.Err != nil {
			line += ": " + l.Err.Error()
		}
		fmt.Println(line)
	}
	if res.Err != nil {
		fmt.Printf("   %s aborted: %v\n", renderFail("✗"), res.Err)
	}
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
