package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedsync/internal/app"
	"feedsync/internal/config"
	"feedsync/internal/entry"
	"feedsync/internal/logger"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "feedsync",
	Short: "Copy new RSS feed entries to remote storage",
	Long: `Polls an RSS feed, tracks which entries are new and copies each one to remote
storage with rclone or an S3 client, falling back to seedr.cc when the direct
source is gone.`,
	SilenceUsage: true,
	RunE:         runSync,
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List tracked entries and the comparison cursor",
	RunE:  runEntries,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the entry store",
	RunE:  runReset,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (YAML)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file, ignored when missing")

	// Feed flags
	pf.String("rss-url", "", "RSS feed URL")
	pf.String("channel", "", "Store namespace (default is the feed host)")
	pf.String("db-path", "", "Entry store database file")
	pf.String("entry-id-tag", "", "Feed item field used as entry ID")
	pf.String("compare-method", "", "New entry detection (last_published_date/previous_entries)")
	pf.String("entry-expire", "", "Stop retrying entries older than this (e.g. 3d)")
	pf.String("log-level", "", "Log level (debug/info/warn/error)")
	pf.String("log-format", "", "Log format (json/console)")
	pf.Bool("debug", false, "Shortcut for --log-level debug")

	// Transfer flags
	f := rootCmd.Flags()
	f.String("http-url", "", "Direct copy URL template ({name}, {title}, {link})")
	f.String("torrent-url", "", "Fallback torrent URL template")
	f.String("backend", "", "Copy backend (rclone/s3)")
	f.String("rclone-config", "", "rclone config file")
	f.String("dest", "", "Default copy destination")
	f.Int("retries", 0, "Copy attempts per entry")
	f.Int("low-level-retries", 0, "Low level retries per request")

	// Run flags
	f.Int("workers", 0, "Number of concurrent workers")
	f.String("interval", "", "Check the feed every interval (e.g. 10m)")
	f.String("progress-interval", "", "Progress log interval")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	f.Bool("dry-run", false, "Track entries without copying")
	f.Bool("once", false, "Run a single cycle even if an interval is configured")
	f.Bool("reset-db", false, "Wipe the entry store before running")

	rootCmd.AddCommand(entriesCmd, resetCmd)
}

// setup loads the configuration and builds the logger
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, envFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if once, _ := cmd.Flags().GetBool("once"); once {
		cfg.Sync.WatchInterval = 0
	}

	var opts []app.Option
	if reset, _ := cmd.Flags().GetBool("reset-db"); reset {
		opts = append(opts, app.WithReset())
	}

	ctx := cmd.Context()
	syncer, err := app.New(ctx, cfg, log, opts...)
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}
	defer func() {
		if closeErr := syncer.Close(); closeErr != nil {
			log.Error("Error closing syncer", zap.Error(closeErr))
		}
	}()

	err = syncer.Run(ctx)
	if ctx.Err() != nil {
		log.Info("Received shutdown signal, stopped")
		return nil
	}
	return err
}

func runEntries(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	syncer, err := app.New(ctx, cfg, log, app.WithoutFallback())
	if err != nil {
		return err
	}
	defer syncer.Close()

	cursor, err := syncer.Cursor(ctx)
	if err != nil {
		return err
	}
	entries, err := syncer.Entries(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "compare method: %s\ncursor: %s\n\n", cfg.Entries.CompareMethod, cursor)
	renderEntries(cmd.OutOrStdout(), entries)
	return nil
}

func renderEntries(w io.Writer, entries []entry.Entry) {
	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)

	failed := color.New(color.FgRed).SprintFunc()
	pending := color.New(color.FgYellow).SprintFunc()

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := pending("pending")
		if e.Failed {
			status = failed("failed")
		}
		rows = append(rows, []string{
			e.ID,
			formatTime(e.Published),
			formatTime(e.CreatedAt),
			status,
		})
	}

	table.Header([]string{"ID", "Published", "First Seen", "Status"})
	table.Bulk(rows)
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	syncer, err := app.New(ctx, cfg, log, app.WithoutFallback(), app.WithReset())
	if err != nil {
		return err
	}
	defer syncer.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", cfg.Sync.DBPath)
	return nil
}

func main() {
	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
