// Command stoqsctl operates a stoqs measurement store: loading samples,
// checking and repairing the activity parameter counts, and archiving
// activities to the blob store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"stoqscore/internal/blob"
	"stoqscore/internal/config"
	"stoqscore/internal/core"
	"stoqscore/internal/observability"
	"stoqscore/pkg/domain"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

// skipStore marks commands that run without opening the store.
const skipStore = "skip-store"

type app struct {
	envFile     string
	dumpMetrics bool

	cfg      *config.Config
	log      *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	svc      *core.Service
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "stoqsctl:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, domain.ErrInvalid) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, errUsage) {
		return exitUsage
	}
	return exitFailure
}

var errUsage = errors.New("usage")

// run executes one command line and always releases the store afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close(stderr))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "stoqsctl",
		Short:         "Operate a stoqs measurement store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file read before the environment (ignored when missing)")
	root.PersistentFlags().BoolVar(&a.dumpMetrics, "metrics", false, "print Prometheus metrics to stderr on exit")

	root.AddCommand(
		newSchemaCmd(),
		newActivityCmd(a),
		newParameterCmd(a),
		newLoadCmd(a),
		newCountsCmd(a),
		newRecountCmd(a),
		newVerifyCmd(a),
		newSummarizeCmd(a),
		newArchiveCmd(a),
		newArchivesCmd(a),
		newPurgeCmd(a),
		newRestoreCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	if cmd.Annotations[skipStore] != "" {
		return nil
	}
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := observability.NewLogger(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := core.OpenPersistentStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	archive, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open %s blob store: %w", cfg.Blob.Driver, err)
	}
	log.Debug("opened store", "driver", cfg.Storage.Driver, "postgres_dsn", cfg.Storage.PostgresDSN, "blob_driver", cfg.Blob.Driver)

	a.cfg, a.log = cfg, log
	a.registry = prometheus.NewRegistry()
	a.metrics = observability.NewMetrics(a.registry)
	a.svc = core.NewService(store,
		core.WithLogger(log),
		core.WithMetricsRecorder(a.metrics),
		core.WithBatchSize(cfg.LoadBatchSize),
		core.WithMaxAggregateRetries(cfg.AggregateMaxRetries),
		core.WithReferenceCacheSize(cfg.RefCacheSize),
		core.WithArchive(archive),
	)
	return nil
}

func (a *app) close(stderr io.Writer) error {
	if a.svc == nil {
		return nil
	}
	defer a.log.Sync()
	err := a.svc.Close()
	a.svc = nil
	if a.dumpMetrics {
		families, gatherErr := a.registry.Gather()
		if gatherErr != nil {
			return errors.Join(err, gatherErr)
		}
		for _, mf := range families {
			if _, werr := expfmt.MetricFamilyToText(stderr, mf); werr != nil {
				return errors.Join(err, werr)
			}
		}
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
