package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tordrt/pgshift"
)

var (
	uri           string
	sqlFile       string
	execute       bool
	chunkSize     int
	batchSize     int
	pollInterval  time.Duration
	quiescePeriod time.Duration
	retryBudget   time.Duration
	workSchema    string
	archiveSchema string
	verifyWorkers int
	verbose       bool
	jsonLogs      bool
)

var rootCmd = &cobra.Command{
	Use:   "pgshift",
	Short: "Online schema changes for PostgreSQL",
	Long: `pgshift applies a schema change to a live PostgreSQL table without
blocking reads or writes. It builds a changed copy of the table, keeps it in
sync through triggers while existing rows are copied over, and swaps the two
in a single transaction once they have converged. The original table is kept
under an archive schema.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate [DDL]",
	Short: "Run a full online schema change",
	Long: `Run a complete migration for the DDL statement given as the argument or
via --sql. Without --execute this is a dry run: capture, backfill, and
replay all happen, but the swap is skipped and everything is torn down.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ddl, err := resolveDDL(args)
		if err != nil {
			return err
		}
		return pgshift.Migrate(cmd.Context(), uri, ddl, options())
	},
}

var replayOnlyCmd = &cobra.Command{
	Use:   "replay-only [DDL]",
	Short: "Capture and replay writes without ever cutting over",
	Long: `Install change capture and keep the shadow table in sync until
interrupted, then tear everything down. Useful for measuring trigger
overhead on a production table before committing to a migration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ddl, err := resolveDDL(args)
		if err != nil {
			return err
		}
		return pgshift.ReplayOnly(cmd.Context(), uri, ddl, options())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [DDL]",
	Short: "Checksum-compare the source table against its shadow",
	Long: `Compare the source table of an in-progress migration against its shadow
using parallel primary-key-range checksums. Mismatches while writes are
still flowing are expected; a clean report during a write pause proves the
tables have converged.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ddl, err := resolveDDL(args)
		if err != nil {
			return err
		}
		rep, err := pgshift.Verify(cmd.Context(), uri, ddl, options())
		if err != nil {
			return err
		}
		fmt.Printf("source rows: %d\nshadow rows: %d\nranges checked: %d\nmismatched ranges: %d\n",
			rep.SourceRows, rep.ShadowRows, rep.RangesChecked, len(rep.Mismatched))
		for _, r := range rep.Mismatched {
			fmt.Printf("  mismatch in [%d, %d)\n", r.Lo, r.Hi)
		}
		if !rep.OK() {
			return errors.New("tables differ")
		}
		fmt.Println("tables match")
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&uri, "uri", os.Getenv("PGSHIFT_URI"), "PostgreSQL connection string (or PGSHIFT_URI)")
	pf.StringVar(&sqlFile, "sql", "", "read the DDL statement from a file instead of the argument")
	pf.IntVar(&chunkSize, "chunk-size", pgshift.DefaultChunkSize, "rows copied per backfill transaction")
	pf.IntVar(&batchSize, "batch-size", pgshift.DefaultBatchSize, "logged changes applied per replay transaction")
	pf.DurationVar(&pollInterval, "poll-interval", pgshift.DefaultPollInterval, "replay sleep when the change log is empty")
	pf.DurationVar(&quiescePeriod, "quiesce", pgshift.DefaultQuiescePeriod, "how long the change log must stay empty before cutover")
	pf.DurationVar(&retryBudget, "retry-budget", pgshift.DefaultRetryBudget, "time budget for retrying transient database errors")
	pf.StringVar(&workSchema, "work-schema", pgshift.DefaultWorkSchema, "schema for shadow tables, change logs, and the registry")
	pf.StringVar(&archiveSchema, "archive-schema", pgshift.DefaultArchiveSchema, "schema that receives replaced tables")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	pf.BoolVar(&jsonLogs, "json", false, "emit logs as JSON instead of console output")

	migrateCmd.Flags().BoolVar(&execute, "execute", false, "perform the cutover swap (omit for a dry run)")
	verifyCmd.Flags().IntVar(&verifyWorkers, "workers", pgshift.DefaultVerifyWorkers, "parallel checksum workers")

	rootCmd.AddCommand(migrateCmd, replayOnlyCmd, verifyCmd)
}

// resolveDDL takes the statement from the positional argument or --sql,
// requiring exactly one of the two.
func resolveDDL(args []string) (string, error) {
	fromArg := len(args) == 1 && args[0] != ""
	if fromArg && sqlFile != "" {
		return "", errors.New("pass the DDL as an argument or via --sql, not both")
	}
	if fromArg {
		return args[0], nil
	}
	if sqlFile != "" {
		b, err := os.ReadFile(sqlFile)
		if err != nil {
			return "", fmt.Errorf("failed to read --sql file: %w", err)
		}
		return string(b), nil
	}
	return "", errors.New("a DDL statement is required (argument or --sql)")
}

func options() *pgshift.Options {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	var logger zerolog.Logger
	if jsonLogs {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	logger = logger.Level(level).With().Timestamp().Logger()

	return &pgshift.Options{
		Execute:       execute,
		ChunkSize:     chunkSize,
		BatchSize:     batchSize,
		PollInterval:  pollInterval,
		QuiescePeriod: quiescePeriod,
		RetryBudget:   retryBudget,
		WorkSchema:    workSchema,
		ArchiveSchema: archiveSchema,
		VerifyWorkers: verifyWorkers,
		Logger:        &logger,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if pgshift.IsValidation(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
