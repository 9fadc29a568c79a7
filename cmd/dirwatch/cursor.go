package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/config"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

var cursorCmd = &cobra.Command{
	Use:     "cursor <connection-id> <path>",
	GroupID: "leaves",
	Short:   "Show a leaf's cursor",
	Long: `Show the cached span and DatastoreStatus of a leaf.

The path is the leaf's full path including the root, joined with the
connection's path separator:

  dirwatch cursor lab "Lab >> Line 1 >> Temperature"`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := loadAgent()
		defer a.Close()

		conn := a.mustConnection(args[0])
		b := a.mustBackend()

		id, cur, err := leafCursor(context.Background(), b, conn, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cursor: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s %s\n\n", renderAccent("Leaf"), args[1])
		fmt.Printf("ID: %s\n", id)
		fmt.Printf("Status: %s\n", cur.Status)
		if cur.First.Equal(ingest.FarFuture) && cur.Last.Equal(ingest.FarPast) {
			fmt.Printf("Cached: %s\n", renderMuted("nothing yet"))
		} else {
			fmt.Printf("First cached: %s\n", cur.First.Format(time.RFC3339Nano))
			fmt.Printf("Last cached: %s\n", cur.Last.Format(time.RFC3339Nano))
		}
		fmt.Println()
	},
}

var sealCmd = &cobra.Command{
	Use:     "seal <connection-id> <path>",
	GroupID: "leaves",
	Short:   "Stop a leaf from accepting data",
	Long: `Set a leaf's DatastoreStatus to Sealed.

A sealed leaf is skipped by every packet. Files containing it are still
imported, and the leaf's cursor is left untouched.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setStatus(args[0], args[1], ingest.StatusSealed)
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset <connection-id> <path>",
	GroupID: "leaves",
	Short:   "Re-admit all data for a leaf",
	Long: `Set a leaf's DatastoreStatus to Reset.

Packets touching the leaf ignore its cursor and write everything they
carry until the leaf is activated again.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setStatus(args[0], args[1], ingest.StatusReset)
	},
}

var activateCmd = &cobra.Command{
	Use:     "activate <connection-id> <path>",
	GroupID: "leaves",
	Short:   "Return a sealed leaf to normal operation",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setStatus(args[0], args[1], ingest.StatusActive)
	},
}

// resolveLeaf finds the backend ID of the leaf at a full path joined with
// the connection's separator.
func resolveLeaf(ctx context.Context, b backend.Backend, conn config.Connection, path string) (string, error) {
	p, err := ingest.SplitPath(path, conn.PathSeparator)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	id, err := ingest.LeafID(ctx, b, p)
	if errors.Is(err, backend.ErrNotFound) {
		return "", fmt.Errorf("no leaf at %q has been ingested", path)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// leafCursor reads the cursor of the leaf at path.
func leafCursor(ctx context.Context, b backend.Backend, conn config.Connection, path string) (string, ingest.Cursor, error) {
	id, err := resolveLeaf(ctx, b, conn, path)
	if err != nil {
		return "", ingest.Cursor{}, err
	}
	cur, err := ingest.ReadCursor(ctx, b, id)
	if err != nil {
		return "", ingest.Cursor{}, err
	}
	return id, cur, nil
}

// setLeafStatus writes the DatastoreStatus of the leaf at path.
func setLeafStatus(ctx context.Context, b backend.Backend, conn config.Connection, path string, status ingest.Status) error {
	id, err := resolveLeaf(ctx, b, conn, path)
	if err != nil {
		return err
	}
	return ingest.SetStatus(ctx, b, id, status)
}

func setStatus(connID, path string, status ingest.Status) {
	a := loadAgent()
	defer a.Close()

	conn := a.mustConnection(connID)
	b := a.mustBackend()

	if err := setLeafStatus(context.Background(), b, conn, path, status); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s %s is now %s\n", renderPass("✓"), path, status)
}

func init() {
	rootCmd.AddCommand(cursorCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(activateCmd)
}
