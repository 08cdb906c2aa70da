// partman manages the time-based partitions of the UniFarm transactions
// ledger: the one-time migration to the partitioned layout and the recurring
// look-ahead provisioning sweep.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/UniverseGames8/UniFarm2-sub002/api/ledger"
	"github.com/UniverseGames8/UniFarm2-sub002/api/loggerutil"
	"github.com/UniverseGames8/UniFarm2-sub002/api/monitor"
	"github.com/UniverseGames8/UniFarm2-sub002/api/partitions"
)

var verbose bool

// createLogger builds the CLI logger from the configured format. When log_dir
// is set, output is mirrored into a rotating file ring under that directory;
// the returned func flushes and closes it.
func createLogger(cfg *partitions.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	format, err := loggerutil.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		format = loggerutil.FormatText
	}

	var w io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.LogDir != "" {
		fw, err := loggerutil.NewFileWriter(cfg.LogDir, cfg.LogMaxSizeMB, cfg.LogFiles)
		if err != nil {
			return nil, nil, fmt.Errorf("open log directory: %w", err)
		}
		w = io.MultiWriter(os.Stdout, fw)
		closeLog = func() { fw.Close() }
	}
	return loggerutil.New(format, w, level), closeLog, nil
}

// connectDB opens and pings the ledger database.
func connectDB(cfg *partitions.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// services is the wired subsystem behind every subcommand.
type services struct {
	cfg      *partitions.Config
	db       *sql.DB
	logger   *slog.Logger
	closeLog func()
	catalog  *partitions.PGCatalog
	plog     *partitions.PGPartitionLog
	sched    *partitions.Scheduler
	guard    *partitions.Guard
	migrator *partitions.Migrator
	prom     *monitor.PromMetrics
}

// buildServices loads config, connects and wires the subsystem. Prometheus
// collectors are only registered for the long-running daemon.
func buildServices(withMetrics bool) (*services, error) {
	cfg, err := partitions.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := createLogger(cfg)
	if err != nil {
		return nil, err
	}

	db, err := connectDB(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	var prom *monitor.PromMetrics
	var metrics partitions.Metrics = partitions.NopMetrics{}
	if withMetrics {
		prom = monitor.NewPromMetrics(nil)
		metrics = prom
	}

	catalog := partitions.NewPGCatalog(db, logger)
	plog := partitions.NewPGPartitionLog(db, logger)
	prov := partitions.NewProvisioner(catalog, plog, logger, metrics)
	sched := partitions.NewScheduler(cfg, catalog, prov, plog, logger, metrics)
	guard := partitions.NewGuard(cfg, catalog, prov, sched, plog, logger, metrics)
	migrator := partitions.NewMigrator(cfg, catalog, guard, plog, logger, metrics)

	return &services{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		closeLog: closeLog,
		catalog:  catalog,
		plog:     plog,
		sched:    sched,
		guard:    guard,
		migrator: migrator,
		prom:     prom,
	}, nil
}

func (s *services) Close() {
	s.db.Close()
	s.closeLog()
}

var rootCmd = &cobra.Command{
	Use:   "partman",
	Short: "UniFarm ledger partition manager",
	Long: `partman keeps the transactions ledger partitioned by day: a one-time
migration converts the flat table, and a recurring sweep provisions daily
partitions ahead of need.

Environment variables:
  PARTMAN_CONFIG            Path to TOML configuration file (required)
  PG_PASSWORD               Database password (can override config)
  PG_DB_NAME                Database name (can override config)
  PG_USER_NAME              Database user (can override config)
  LOOK_AHEAD_DAYS           Look-ahead window in days (can override config)
  SKIP_PROVISIONING         Disable all partition DDL (can override config)
  IGNORE_PROVISIONING_ERRORS  Swallow provisioning failures (can override config)
`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert the flat transactions table to the partitioned layout",
	Long: `Runs the one-time schema migration. Safe to re-run: an already
partitioned table is a no-op, and an interrupted run resumes from its
holding table without re-copying rows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(false)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		res, err := svc.migrator.Run(ctx)
		if err != nil {
			return err
		}
		if res.AlreadyPartitioned {
			fmt.Println("transactions is already partitioned, nothing to do")
			return nil
		}
		if res.Resumed {
			fmt.Println("resumed interrupted migration")
		}
		fmt.Printf("migration complete in %s\n", res.Duration.Round(time.Millisecond))
		fmt.Printf("  rows migrated:    %d\n", res.RowsMigrated)
		fmt.Printf("  daily partitions: %d\n", len(res.DailyPartitions))
		fmt.Printf("  default: %s\n", res.DefaultPartition)
		fmt.Printf("  future:  %s\n", res.FuturePartition)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one provisioning sweep and exit",
	Long: `Provisions the look-ahead window [yesterday, today+look_ahead_days]
and rebinds the future catch-all partition. The daemon does the same thing
on a timer; this command exists for cron-style deployments and operators.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(false)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		if err := svc.plog.Ensure(ctx); err != nil {
			return err
		}
		res, err := svc.guard.Sweep(ctx)
		if res != nil {
			printSweep(res)
		}
		return err
	},
}

func printSweep(res *partitions.SweepResult) {
	if res.Skipped {
		fmt.Printf("sweep skipped: %s\n", res.SkipReason)
		return
	}
	fmt.Printf("sweep %s finished in %s\n", res.RunID, res.Duration.Round(time.Millisecond))
	fmt.Printf("  created:  %d\n", len(res.Created))
	fmt.Printf("  existing: %d\n", res.AlreadyThere)
	fmt.Printf("  failed:   %d\n", len(res.Failures))
	for _, f := range res.Failures {
		fmt.Printf("    %s: %v\n", f.Day, f.Err)
	}
	if !res.FutureBound.IsZero() {
		fmt.Printf("  future bound: %s\n", res.FutureBound)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the partition daemon",
	Long: `Starts the daemon in foreground mode.

The daemon will:
1. Connect to the ledger database
2. Sweep immediately, then at the configured frequency
3. Serve the monitor endpoints when monitor_listen is set
4. Log every provisioning attempt to the partition_logs table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(true)
		if err != nil {
			return err
		}
		defer svc.Close()

		if pid, err := partitions.ReadPIDFile(svc.cfg.PIDFile); err == nil {
			if partitions.IsRunning(pid) {
				return fmt.Errorf("daemon is already running (PID %d)", pid)
			}
		}
		if err := partitions.WritePIDFile(svc.cfg.PIDFile); err != nil {
			return fmt.Errorf("write PID file: %w", err)
		}
		defer partitions.RemovePIDFile(svc.cfg.PIDFile)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			sig := <-sigCh
			svc.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		}()

		if err := svc.plog.Ensure(ctx); err != nil {
			return err
		}

		if svc.cfg.MonitorListen != "" {
			srv := monitor.NewServer(svc.cfg, svc.guard, svc.catalog, svc.plog, svc.sched, svc.prom, svc.logger)
			go func() {
				if err := srv.Start(); err != nil {
					svc.logger.Error("monitor server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		fmt.Println("partition daemon started")
		fmt.Printf("  PID file:  %s\n", svc.cfg.PIDFile)
		fmt.Printf("  mode:      %s\n", svc.guard.Mode())
		fmt.Printf("  frequency: %s\n", svc.cfg.SweepFrequency())
		if svc.cfg.MonitorListen != "" {
			fmt.Printf("  monitor:   %s\n", svc.cfg.MonitorListen)
		}
		fmt.Println()

		err = svc.guard.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the partition daemon",
	Long:  `Gracefully stops the running daemon by sending SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := partitions.LoadConfig()
		if err != nil {
			return err
		}

		pid, err := partitions.ReadPIDFile(cfg.PIDFile)
		if err != nil {
			return fmt.Errorf("daemon is not running (no PID file)")
		}
		if !partitions.IsRunning(pid) {
			partitions.RemovePIDFile(cfg.PIDFile)
			return fmt.Errorf("daemon is not running (stale PID file removed)")
		}

		if err := partitions.StopProcess(pid); err != nil {
			return err
		}
		partitions.RemovePIDFile(cfg.PIDFile)

		fmt.Println("daemon stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and partition status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(false)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := partitions.CollectStatus(ctx, svc.cfg, svc.catalog, svc.plog, nil)
		if err != nil {
			return err
		}
		fmt.Print(partitions.FormatStatus(st))
		return nil
	},
}

var logsLimit int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent partition audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(false)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entries, err := svc.plog.Recent(ctx, logsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no audit entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-7s %-7s %-28s %s\n",
				e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
				e.Operation, e.Status, e.Partition, e.Detail)
		}
		return nil
	},
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List the ledger partitions and their ranges",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(false)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		partitioned, err := svc.catalog.IsPartitioned(ctx, partitions.TransactionsTable)
		if err != nil {
			return err
		}
		if !partitioned {
			fmt.Println("transactions is not partitioned; run 'partman migrate' first")
			return nil
		}

		parts, err := svc.catalog.ListPartitions(ctx, partitions.TransactionsTable)
		if err != nil {
			return err
		}
		fmt.Printf("%-28s %-26s %s\n", "PARTITION", "FROM", "TO")
		for _, p := range parts {
			fmt.Printf("%-28s %-26s %s\n", p.Name,
				strings.Trim(p.From.String(), "'"), strings.Trim(p.To.String(), "'"))
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk-load historical transactions from a JSON file",
	Long: `Streams the transactions in the given JSON array into the ledger over
one COPY. Rows are routed by created_at into whatever partitions cover
them, so run 'partman migrate' and a sweep first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := partitions.LoadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := createLogger(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		var txs []ledger.Transaction
		if err := json.Unmarshal(raw, &txs); err != nil {
			return fmt.Errorf("parse import file: %w", err)
		}
		if len(txs) == 0 {
			fmt.Println("nothing to import")
			return nil
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		conn, err := pgx.Connect(ctx, cfg.ConnectionString())
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer conn.Close(context.Background())

		n, err := ledger.CopyTransactions(ctx, conn, logger, txs)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d transactions\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50, "Number of entries to show")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	// Local deployments keep secrets in .env; production sets real env vars.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
