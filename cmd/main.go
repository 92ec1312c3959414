package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt.go"
	"go.uber.org/zap"

	"github.com/TFMV/rfm/config"
	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/flight"
	"github.com/TFMV/rfm/loader"
	"github.com/TFMV/rfm/report"
	"github.com/TFMV/rfm/rfm"
	"github.com/TFMV/rfm/server"
	"github.com/TFMV/rfm/storage"
)

const version = "rfm 1.0.0"

const usage = `RFM customer segmentation.

Usage:
  rfm analyze <source> [--config=<path>] [--reference-date=<date>] [--tie-break=<mode>] [--top=<n>] [--export=<dir>] [--format=<fmt>]
  rfm serve [<source>] [--config=<path>] [--reference-date=<date>] [--http-addr=<addr>] [--flight-addr=<addr>] [--snapshot=<path>] [--backup-dir=<dir>]
  rfm (-h | --help)
  rfm --version

Sources:
  A local .csv, .parquet or .arrow file, gs://bucket/object, or a
  postgres:// connection string.

Options:
  -h --help                Show this screen.
  --version                Show version.
  --config=<path>          YAML config file.
  --reference-date=<date>  Date recency is measured from, YYYY-MM-DD.
  --tie-break=<mode>       Frequency ranking: dense or first.
  --top=<n>                Number of top customers to print.
  --export=<dir>           Write the scored table to a timestamped file in dir.
  --format=<fmt>           Export format: json, csv or parquet [default: csv].
  --http-addr=<addr>       HTTP API listen address.
  --flight-addr=<addr>     Arrow Flight listen address.
  --snapshot=<path>        Arrow IPC snapshot restored on start and saved on exit.
  --backup-dir=<dir>       Also write a timestamped snapshot to dir on exit.
`

func main() {
	arguments, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(arguments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Initialize zap logger.
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if serve, _ := arguments.Bool("serve"); serve {
		source, _ := arguments["<source>"].(string)
		snapshot, _ := arguments["--snapshot"].(string)
		backupDir, _ := arguments["--backup-dir"].(string)
		err = runServe(ctx, cfg, source, snapshot, backupDir, logger)
	} else {
		source, _ := arguments.String("<source>")
		export, _ := arguments["--export"].(string)
		format, _ := arguments.String("--format")
		err = runAnalyze(ctx, cfg, source, export, format, os.Stdout, logger)
	}
	if err != nil {
		logger.Error("rfm failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(arguments docopt.Opts) (config.Config, error) {
	path, _ := arguments["--config"].(string)
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	for flag, dst := range map[string]*string{
		"--reference-date": &cfg.ReferenceDate,
		"--tie-break":      &cfg.FrequencyTieBreak,
		"--http-addr":      &cfg.HTTPAddr,
		"--flight-addr":    &cfg.FlightAddr,
	} {
		if v, ok := arguments[flag].(string); ok && v != "" {
			*dst = v
		}
	}
	if _, ok := arguments["--top"].(string); ok {
		n, err := arguments.Int("--top")
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("--top must be a non-negative integer")
		}
		cfg.TopN = n
	}
	return cfg, nil
}

func newLoader(cfg config.Config, logger *zap.Logger) *loader.Loader {
	return loader.New(loader.Options{
		Logger:             logger,
		GCSCredentialsFile: cfg.GCSCredentials,
		PostgresQuery:      cfg.PostgresQuery,
	})
}

// runAnalyze scores source once and prints the report to out.
func runAnalyze(ctx context.Context, cfg config.Config, source, exportDir, format string, out io.Writer, logger *zap.Logger) error {
	rcfg, err := cfg.RFM()
	if err != nil {
		return err
	}
	pipeline, err := rfm.NewPipeline(rcfg, logger)
	if err != nil {
		return err
	}

	records, err := newLoader(cfg, logger).Load(ctx, source)
	if err != nil {
		return err
	}
	defer db.ReleaseAll(records)

	res, err := pipeline.Run(records)
	if err != nil {
		return err
	}
	if err := printReport(out, res, cfg); err != nil {
		return err
	}

	if exportDir == "" {
		return nil
	}
	f, err := storage.ParseFormat(format)
	if err != nil {
		return err
	}
	path, err := storage.Export(exportDir, f, res, time.Now())
	if err != nil {
		return err
	}
	logger.Info("exported results", zap.String("path", path))
	fmt.Fprintf(out, "\nResults exported to %s\n", path)
	return nil
}

func printReport(out io.Writer, res *rfm.Result, cfg config.Config) error {
	sum := report.Summarize(res.Customers, cfg.ActiveWindowDays)
	fmt.Fprintf(out, "RFM analysis as of %s (run %s)\n\n", res.ReferenceDate.Format(config.DateLayout), res.RunID)
	fmt.Fprintf(out, "Customers:         %d\n", sum.TotalCustomers)
	fmt.Fprintf(out, "Active (<=%dd):     %d\n", cfg.ActiveWindowDays, sum.ActiveCustomers)
	fmt.Fprintf(out, "Avg recency:       %.1f days\n", sum.AvgRecency)
	fmt.Fprintf(out, "Avg frequency:     %.1f\n", sum.AvgFrequency)
	fmt.Fprintf(out, "Avg monetary:      %s\n", sum.AvgMonetary.StringFixed(2))
	fmt.Fprintf(out, "Total revenue:     %s\n\n", sum.TotalRevenue.StringFixed(2))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tCUSTOMERS\tSHARE\tREVENUE\tREVENUE SHARE")
	counts := make(map[string]report.SegmentCount)
	for _, sc := range report.SegmentCounts(res) {
		counts[sc.Segment] = sc
	}
	for _, st := range report.SegmentPerformance(res) {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%s\t%.1f%%\n",
			st.Segment, st.Customers, counts[st.Segment].Percent, st.TotalRevenue.StringFixed(2), st.RevenueShare)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTop %d customers by monetary value:\n", cfg.TopN)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CUSTOMER\tRECENCY\tFREQUENCY\tMONETARY\tRFM\tSEGMENT")
	for _, c := range report.TopCustomers(res.Customers, cfg.TopN) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			c.CustomerID, c.Recency, c.Frequency, c.Monetary.StringFixed(2), c.Code(), c.Segment)
	}
	return tw.Flush()
}

// runServe ingests source, if any, and serves the HTTP and Flight APIs
// until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config, source, snapshot, backupDir string, logger *zap.Logger) error {
	rcfg, err := cfg.RFM()
	if err != nil {
		return err
	}

	dlq := &db.MemoryDLQ{}
	defer dlq.Release()
	settings := db.DefaultSettings()
	settings.DeadLetters = dlq
	settings.Logger = logger

	// Initialize the in-memory database.
	database := db.NewDB(settings)
	defer database.Close()
	store := storage.NewStorage(database)

	if snapshot != "" {
		rows, err := store.Restore(snapshot)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("no snapshot to restore", zap.String("path", snapshot))
		case err != nil:
			return err
		default:
			logger.Info("restored snapshot", zap.String("path", snapshot), zap.Int64("rows", rows))
		}
	}

	if source != "" {
		records, err := newLoader(cfg, logger).Load(ctx, source)
		if err != nil {
			return err
		}
		for _, rec := range records {
			database.AsyncIngest(rec)
			rec.Release()
		}
		// Servers start only once the whole source is stored.
		database.WaitForBatch()
		logger.Info("ingested source", zap.Int64("rows", database.NumRows()), zap.Int("rejected", dlq.Len()))
	}

	roles := cfg.Roles()
	httpSrv, err := server.New(database, server.Options{
		Config:           rcfg,
		ActiveWindowDays: cfg.ActiveWindowDays,
		TopN:             cfg.TopN,
		PageSize:         cfg.PageSize,
		Roles:            roles,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	svc, err := flight.NewService(database, flight.Options{Config: rcfg, Roles: roles, Logger: logger})
	if err != nil {
		return err
	}
	flightSrv, err := flight.NewServer(svc, cfg.FlightAddr)
	if err != nil {
		return err
	}

	// Create error channel for server errors
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpSrv.Start(cfg.HTTPAddr)
	}()
	go func() {
		logger.Info("flight listening", zap.String("addr", flightSrv.Addr().String()))
		errCh <- flightSrv.Serve()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
	case err = <-errCh:
		logger.Error("server stopped", zap.Error(err))
	}

	flightSrv.Shutdown()
	if shutdownErr := httpSrv.Shutdown(); shutdownErr != nil {
		logger.Warn("http shutdown", zap.Error(shutdownErr))
	}
	if saveErr := persist(store, snapshot, backupDir, time.Now(), logger); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}

// persist saves the table to snapshot and a timestamped backup in
// backupDir. Empty arguments are skipped.
func persist(store *storage.Storage, snapshot, backupDir string, at time.Time, logger *zap.Logger) error {
	var errs []error
	if snapshot != "" {
		if err := store.SaveToDisk(snapshot); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("saved snapshot", zap.String("path", snapshot))
		}
	}
	if backupDir != "" {
		path, err := store.Backup(backupDir, at)
		if err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("wrote backup", zap.String("path", path))
		}
	}
	return errors.Join(errs...)
}
