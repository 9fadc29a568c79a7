package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dirwatch/internal/daemon"
	"github.com/mschirtzinger/dirwatch/internal/dashboard"
	"github.com/mschirtzinger/dirwatch/internal/logging"
	"github.com/mschirtzinger/dirwatch/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "agent",
	Short:   "Run the watch daemon (foreground)",
	Long: `Run the watch daemon in the foreground until interrupted.

Every enabled connection gets one monitor per configured directory. Files
already present are processed first, then the directories are watched for
changes.

With the dashboard enabled, live events are broadcast on ws://host:port/ws and
prometheus metrics are served on /metrics:

  dirwatch run --config agent.yaml
  dirwatch run --config agent.yaml --dashboard --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		a := loadAgent()
		defer a.Close()

		if cmd.Flags().Changed("dashboard") {
			a.cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			a.cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		b := a.mustBackend()
		m := metrics.New()
		observers := daemon.Observers{m}

		var server *dashboard.Server
		if a.cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Port:    a.cfg.Dashboard.Port,
				Metrics: m.Handler(),
				Logger:  logging.Named(a.logger, "dashboard"),
			})
			observers = append(observers, dashboard.NewHandler(server, logging.Named(a.logger, "dashboard")))
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()
		}

		d, err := daemon.New(b, a.conns, &daemon.Config{
			Observer: observers,
			Logger:   logging.Named(a.logger, "daemon"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting dirwatch (%s backend)\n", renderAccent("▶"), a.cfg.Backend.Kind)
		for _, id := range d.Connections() {
			fmt.Printf("   Connection: %s\n", id)
		}
		if server != nil {
			fmt.Printf("   Dashboard: http://%s\n", server.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Start blocks until ctx is done
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s Daemon stopped with error: %v\n", renderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s Stopped\n", renderPass("✓"))
	},
}

func init() {
	runCmd.Flags().Bool("dashboard", false, "Serve the live dashboard (overrides dashboard.enabled)")
	runCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")

	rootCmd.AddCommand(runCmd)
}
