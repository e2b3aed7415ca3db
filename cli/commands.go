package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/checkpoint"
	"github.com/driftsync/driftsync/db"
	"github.com/driftsync/driftsync/engine"
	"github.com/driftsync/driftsync/target"
	"github.com/driftsync/driftsync/telemetry"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "driftsync.toml"
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return configFailure(fmt.Errorf("%s already exists", path))
		}
		if err := cfg.WriteTemplate(path); err != nil {
			return runtimeFailure(err)
		}
		fmt.Println("Configuration template written to", path)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse the configuration and verify target reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		applyConfigLogging(config)

		fmt.Println("Configuration OK")
		fmt.Println("  source:", config.Source.DBPath)
		fmt.Println("  targets:", len(config.Targets))
		fmt.Println("  mappings:", len(config.Mappings))

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		for _, targetConf := range config.Targets {
			writer, err := target.New(targetConf)
			if err != nil {
				return configFailure(err)
			}
			if err := writer.Connect(ctx); err != nil {
				return reachabilityFailure(fmt.Errorf("target %s: %w", targetConf.Name, err))
			}
			err = writer.Ping(ctx)
			writer.Disconnect()
			if err != nil {
				return reachabilityFailure(fmt.Errorf("target %s: %w", targetConf.Name, err))
			}
			fmt.Printf("  target %s reachable\n", targetConf.Name)
		}
		return nil
	},
}

var (
	syncMode   string
	syncTables string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run data synchronization",
	Long:  "Modes: full (backfill then stream), initial (backfill only), incremental (stream only).",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch syncMode {
		case "full", "initial", "incremental":
		default:
			return configFailure(fmt.Errorf("invalid mode %q", syncMode))
		}

		config, err := loadConfig()
		if err != nil {
			return err
		}
		applyConfigLogging(config)

		var tables []string
		if syncTables != "" {
			tables = strings.Split(syncTables, ",")
			for i := range tables {
				tables[i] = strings.TrimSpace(tables[i])
			}
		}

		if config.Metrics.Enabled {
			telemetry.Initialize()
			telemetry.Serve(config.Metrics.BindAddress)
		}

		eng, err := engine.New(config)
		if err != nil {
			return configFailure(err)
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if syncMode == "initial" {
			if err := eng.RunInitial(ctx, tables); err != nil {
				if isReachability(err) {
					return reachabilityFailure(err)
				}
				return runtimeFailure(err)
			}
			fmt.Println("Initial sync complete")
			return nil
		}

		if err := eng.Start(ctx, tables, syncMode == "full"); err != nil {
			if isReachability(err) {
				return reachabilityFailure(err)
			}
			return runtimeFailure(err)
		}

		log.Info().Str("mode", syncMode).Msg("Syncing; press Ctrl+C to stop")

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := eng.Stop(); err != nil {
					return runtimeFailure(err)
				}
				fmt.Println("Sync stopped")
				return nil
			case <-ticker.C:
				status := eng.GetStatus()
				if status.State == engine.StateFailed {
					eng.Stop()
					return runtimeFailure(fmt.Errorf("sync failed: %s", status.LastError))
				}
				log.Info().
					Str("state", status.State.String()).
					Int64("events", status.TotalEvents).
					Int64("backlog", status.Backlog).
					Float64("events_per_sec", status.EventsPerSecond).
					Msg("Sync progress")
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync progress and errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := checkpoint.Open(filepath.Join(config.CheckpointDir, engine.CheckpointFileName))
		if err != nil {
			return runtimeFailure(err)
		}
		defer store.Close()

		fmt.Println("driftsync status")
		fmt.Println("  source:", config.Source.DBPath)

		checkpoints, err := store.ListInitialCheckpoints(config.Source.DBPath)
		if err != nil {
			return runtimeFailure(err)
		}
		if len(checkpoints) > 0 {
			fmt.Println("\nInitial sync:")
			for table, cp := range checkpoints {
				fmt.Printf("  %-20s %-10s %d rows\n", table, cp.Status, cp.TotalSynced)
			}
		}

		// Audit high-water mark, when the source is readable from here
		var maxAuditID int64
		if source, err := db.OpenSourceReadOnly(config.Source.DBPath); err == nil {
			maxAuditID, _ = db.MaxAuditID(cmd.Context(), source, db.DefaultAuditTable)
			source.Close()
		}

		fmt.Println("\nIncremental sync:")
		for _, targetConf := range config.Targets {
			pos, err := store.LoadPosition(config.Source.DBPath, targetConf.Name)
			if err != nil {
				return runtimeFailure(err)
			}
			lag := maxAuditID - pos.LastAuditID
			if lag < 0 {
				lag = 0
			}
			fmt.Printf("  %-20s position=%d events=%d lag=%d\n", targetConf.Name, pos.LastAuditID, pos.TotalEvents, lag)

			unresolved, err := store.ListUnresolvedErrors(config.Source.DBPath, targetConf.Name)
			if err != nil {
				return runtimeFailure(err)
			}
			if len(unresolved) > 0 {
				last := unresolved[len(unresolved)-1]
				fmt.Printf("    %d unresolved errors, last: [%s] %s\n", len(unresolved), last.Kind, last.Message)
			}
		}
		return nil
	},
}

var resetTable string

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset initial sync checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := checkpoint.Open(filepath.Join(config.CheckpointDir, engine.CheckpointFileName))
		if err != nil {
			return runtimeFailure(err)
		}
		defer store.Close()

		if resetTable != "" {
			if config.Mapping(resetTable) == nil {
				return configFailure(fmt.Errorf("table %s has no mapping", resetTable))
			}
			if err := store.DeleteInitialCheckpoint(config.Source.DBPath, resetTable); err != nil {
				return runtimeFailure(err)
			}
			fmt.Println("Checkpoint reset for table", resetTable)
			return nil
		}

		for _, mapping := range config.Mappings {
			if err := store.DeleteInitialCheckpoint(config.Source.DBPath, mapping.SourceTable); err != nil {
				return runtimeFailure(err)
			}
		}
		fmt.Println("Checkpoints reset for all mapped tables")
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncMode, "mode", "m", "full", "sync mode: full, initial, incremental")
	syncCmd.Flags().StringVarP(&syncTables, "tables", "t", "", "comma-separated tables (default: all mapped)")
	resetCmd.Flags().StringVar(&resetTable, "table", "", "reset only this table")
}

// isReachability detects connect/ping failures surfaced from engine start
func isReachability(err error) bool {
	return strings.Contains(err.Error(), "unreachable")
}
