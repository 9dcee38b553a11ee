// calsyncctl is an operator CLI for calsyncd. It works directly against the
// database and provider credentials, so it can run syncs and resolve
// conflicts without a running server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mwhitfield/calsyncd/internal/auth"
	"github.com/mwhitfield/calsyncd/internal/store"
	"github.com/mwhitfield/calsyncd/internal/sync"
)

var (
	dbPath   string
	syncMode string
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	root := &cobra.Command{
		Use:           "calsyncctl",
		Short:         "Operator tooling for the calsyncd calendar sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOr("DATABASE_PATH", "./data/calsyncd.db"), "path to the SQLite database")

	root.AddCommand(syncCmd(), syncAllCmd(), connectionsCmd(), statusCmd(), conflictsCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openEngine opens the database and builds a sync engine with provider
// credentials taken from the environment.
func openEngine() (*store.DB, *sync.Engine, error) {
	db, err := store.New(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	tokens := auth.NewTokenManager(db,
		auth.ProviderOAuth{
			ClientID:     os.Getenv("MS_CLIENT_ID"),
			ClientSecret: os.Getenv("MS_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("MS_REDIRECT_URL"),
		},
		auth.ProviderOAuth{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
		},
	)

	engine := sync.NewEngine(db, sync.NewFactory(db, tokens), nil, sync.Options{})
	return db, engine, nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <connection-id>",
		Short: "Run a sync pass for one connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := engine.TriggerSync(context.Background(), args[0], sync.Mode(syncMode))
			if err != nil {
				return err
			}

			printResult(result)
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&syncMode, "mode", string(sync.ModeAuto), "sync mode: full, delta or auto")
	return cmd
}

func syncAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Run a batched sync across all enabled connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result := engine.SyncAllEnabled(context.Background(), sync.Mode(syncMode))
			fmt.Printf("%d connections in %d batches: %d succeeded, %d failed, %d skipped (%v)\n",
				result.Connections, result.Batches, result.Succeeded, result.Failed, result.Skipped, result.Duration.Round(time.Millisecond))
			for _, msg := range result.Errors {
				fmt.Printf("  error: %s\n", msg)
			}
			if result.Failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&syncMode, "mode", string(sync.ModeAuto), "sync mode: full, delta or auto")
	return cmd
}

func connectionsCmd() *cobra.Command {
	var userEmail string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.New(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			var conns []*store.Connection
			if userEmail != "" {
				user, err := db.GetUserByEmail(userEmail)
				if err != nil {
					return fmt.Errorf("unknown user %q: %w", userEmail, err)
				}
				conns, err = db.GetConnectionsByUserID(user.ID)
				if err != nil {
					return err
				}
			} else {
				conns, err = db.GetEnabledConnections()
				if err != nil {
					return err
				}
			}

			for _, conn := range conns {
				lastSync := "never"
				if conn.LastSyncAt != nil {
					lastSync = conn.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-10s %-20s enabled=%-5v last=%s %s\n",
					conn.ID, conn.Provider, conn.Name, conn.Enabled, lastSync, conn.LastSyncStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userEmail, "user", "", "limit to one user's connections (email)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <connection-id>",
		Short: "Show per-calendar sync state for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.New(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			conn, err := db.GetConnectionByID(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s, %s)\n", conn.Name, conn.Provider, conn.ID)
			for _, calendarID := range conn.CalendarIDs {
				state, err := db.GetSyncState(conn.ID, calendarID)
				if err != nil {
					fmt.Printf("  %s: no sync state\n", calendarID)
					continue
				}
				cursor := "none"
				if state.DeltaToken != "" {
					cursor = "stored"
				}
				fmt.Printf("  %s: %s, cursor=%s, synced=%d conflicted=%d failed=%d",
					calendarID, state.Status, cursor, state.SyncedEvents, state.ConflictedEvents, state.FailedEvents)
				if state.ConsecutiveFailures > 0 {
					fmt.Printf(", failures=%d (%s)", state.ConsecutiveFailures, state.LastError)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(conflictsListCmd(), conflictsResolveCmd())
	return cmd
}

func conflictsListCmd() *cobra.Command {
	var userEmail, connectionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userEmail == "" && connectionID == "" {
				return fmt.Errorf("either --user or --connection is required")
			}

			db, err := store.New(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			userID := ""
			if userEmail != "" {
				user, err := db.GetUserByEmail(userEmail)
				if err != nil {
					return fmt.Errorf("unknown user %q: %w", userEmail, err)
				}
				userID = user.ID
			}

			conflicts, err := db.GetOpenConflicts(userID, connectionID)
			if err != nil {
				return err
			}

			for _, conflict := range conflicts {
				auto := ""
				if conflict.AutoResolvable {
					auto = " [auto-resolvable]"
				}
				fmt.Printf("%s  %-18s %q vs %q  recommend=%s%s\n",
					conflict.ID, conflict.Type,
					conflict.LocalVersion.Subject, conflict.RemoteVersion.Subject,
					conflict.Recommendation, auto)
			}
			fmt.Printf("%d open conflicts\n", len(conflicts))
			return nil
		},
	}
	cmd.Flags().StringVar(&userEmail, "user", "", "user email")
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection ID")
	return cmd
}

func conflictsResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Apply a resolution to a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			event, err := engine.ResolveConflict(context.Background(), args[0], store.Resolution(resolution), nil)
			if err != nil {
				return err
			}

			fmt.Printf("Resolved %s with %s: %q (%s)\n", args[0], resolution, event.Subject, event.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", string(store.ResolutionUseRemote), "use_local, use_remote or manual")
	return cmd
}

func printResult(result *sync.Result) {
	status := "completed"
	if !result.Success {
		status = "failed"
	}
	fmt.Printf("Sync %s (%s mode) in %v\n", status, result.Mode, result.Duration.Round(time.Millisecond))
	fmt.Printf("  created=%d updated=%d deleted=%d conflicted=%d unchanged=%d failed=%d\n",
		result.Created, result.Updated, result.Deleted, result.Conflicted, result.Unchanged, result.Failed)
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
}
