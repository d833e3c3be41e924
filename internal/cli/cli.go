// Package cli wires the operator commands: inspecting archived runs and
// serving the HTTP status surface.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	internal_http "github.com/taskmesh/taskmesh/internal/http"
	"github.com/taskmesh/taskmesh/internal/log"
	internal_storage "github.com/taskmesh/taskmesh/internal/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived workflow runs",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			runs, err := store.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Runs:\n")
			for _, r := range runs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Status: %s, Created: %s\n",
					r.ID, r.Name, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show an archived run with its task events",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			run, err := store.GetRun(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get run %s: %v", args[0], err)
				fmt.Fprintf(os.Stderr, "Error: failed to get run %s: %v\n", args[0], err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Run %s (%s): %s\n", run.ID, run.Name, run.Status)
			events, err := store.ListEvents(run.ID)
			if err != nil {
				log.GetLogger().Errorf("Failed to list events of run %s: %v", run.ID, err)
				fmt.Fprintf(os.Stderr, "Error: failed to list events: %v\n", err)
				os.Exit(1)
			}
			for _, e := range events {
				line := fmt.Sprintf("- %s task %s -> %s", e.LoggedAt.Format(time.RFC3339), e.TaskID, e.State)
				if e.Message != "" {
					line += " (" + e.Message + ")"
				}
				fmt.Fprintln(os.Stdout, line)
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP status API over the run archive",
		Run: func(cmd *cobra.Command, args []string) {
			port, err := cmd.Flags().GetString("port")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving port flag: %v", err)
				os.Exit(1)
			}
			store := initStore(cmd)
			defer store.Close()
			if err := internal_http.StartServer(port, store); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	rootCmd.AddCommand(listCmd, showCmd, serveCmd)
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	connStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if connStr == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag is required")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	return store
}
