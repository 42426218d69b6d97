// Package cmd implements the engine's command-line frontend: a thin
// Cobra CLI over internal/queue.Coordinator. There is no resident
// daemon and no cross-process bridge (spec §1 scopes those out as
// external collaborators) — every invocation opens the persisted
// Queue State, does its work, and persists before exiting.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/history"
	"github.com/harrowgate/fetchcore/internal/queue"
)

// Version is set via ldflags during build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "fetchcore",
	Short:   "A resumable, concurrent file download engine",
	Long:    `fetchcore partitions HTTP(S) downloads into parallel ranges, checkpoints them for crash recovery, and admits a priority-ordered queue under a concurrency limit.`,
	Version: Version,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate("fetchcore version {{.Version}}\n")

	rootCmd.PersistentFlags().String("state-dir", "", "Directory for queue state and checkpoints (default: ~/.fetchcore)")
	rootCmd.PersistentFlags().Int("max-active", 0, "Maximum concurrently downloading tasks (default: 2)")
	rootCmd.PersistentFlags().Int("max-chunks", 0, "Maximum parallel chunk workers per download (default: 4)")
	rootCmd.PersistentFlags().Int64("chunk-size", 0, "Target chunk size in bytes (default: 1 MiB)")
	rootCmd.PersistentFlags().Int64("speed-limit", 0, "Per-download rate cap in bytes/second (default: unlimited)")
	rootCmd.PersistentFlags().Int("timeout", 0, "Connect and read timeout in seconds (default: 30)")
	rootCmd.PersistentFlags().String("proxy", "", "Proxy URL (http://, https://, or socks5://)")
	rootCmd.PersistentFlags().String("user-agent", "", "Override the default User-Agent")
	rootCmd.PersistentFlags().StringArray("header", nil, "Default request header \"Name: Value\" (repeatable)")
}

// stateDir resolves the directory backing the Queue State file and
// per-download checkpoint sidecars.
func stateDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("state-dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fetchcore"
	}
	return filepath.Join(home, ".fetchcore")
}

// historyPath is the SQLite completion log's location, alongside the
// Queue State file.
func historyPath(cmd *cobra.Command) string {
	return filepath.Join(stateDir(cmd), "history.db")
}

// buildConfig assembles a config.Config from the persistent flags.
// Unset flags leave their field at zero, which config's nil-safe
// getters interpret as "use the default".
func buildConfig(cmd *cobra.Command) *config.Config {
	maxActive, _ := cmd.Flags().GetInt("max-active")
	maxChunks, _ := cmd.Flags().GetInt("max-chunks")
	chunkSize, _ := cmd.Flags().GetInt64("chunk-size")
	speedLimit, _ := cmd.Flags().GetInt64("speed-limit")
	timeout, _ := cmd.Flags().GetInt("timeout")
	proxyURL, _ := cmd.Flags().GetString("proxy")
	userAgent, _ := cmd.Flags().GetString("user-agent")
	headerFlags, _ := cmd.Flags().GetStringArray("header")

	return &config.Config{
		MaxActiveTasks:        maxActive,
		MaxConcurrentChunks:   maxChunks,
		ChunkSize:             chunkSize,
		SpeedLimitBytesPerSec: speedLimit,
		TimeoutSeconds:        timeout,
		ProxyURL:              proxyURL,
		UserAgent:             userAgent,
		DefaultHeaders:        parseHeaders(headerFlags),
	}
}

// parseHeaders turns repeated "Name: Value" flag occurrences into a
// header map.
func parseHeaders(raw []string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// openCoordinator loads the persisted Queue State and wires a fresh
// event Multicaster to it. autostart controls whether loading
// immediately begins admitting Pending tasks (true for "run" and
// "get"; false for commands that only inspect or mutate the queue
// without intending to drive any transfer themselves).
func openCoordinator(cmd *cobra.Command, autostart bool) (*queue.Coordinator, *events.Multicaster, error) {
	dir := stateDir(cmd)
	bus := events.NewMulticaster()
	coord, err := queue.NewCoordinator(buildConfig(cmd), bus, dir, autostart)
	if err != nil {
		return nil, nil, fmt.Errorf("opening queue state in %s: %w", dir, err)
	}
	return coord, bus, nil
}

// openHistory opens the completion log, logging (not failing) if it
// can't be opened: history is an out-of-scope convenience, not load
// bearing for resumability.
func openHistory(cmd *cobra.Command) *history.Store {
	store, err := history.Open(historyPath(cmd))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: completion history unavailable: %v\n", err)
		return nil
	}
	return store
}

func formatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
