package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/baldanca/superserial/config"
	"github.com/baldanca/superserial/ingestor"
	"github.com/baldanca/superserial/internal/logger"
	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/router"
	"github.com/baldanca/superserial/source"
	"github.com/baldanca/superserial/stash"
)

func newIngestCmd(cfgFile *string) *cobra.Command {
	var (
		interleave bool
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Route the records of JSON-lines files (or the SQS queue) to their backends",
		Long: `Route every record of the given JSON-lines files, "-" meaning stdin.
Without files the SQS queue from the configuration is consumed.

Each part of a record goes to the backend its name maps to under "parts".
Records without an "id" part get one; rows inherit it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}

			log, err := logger.New(cfg.Logging)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := runIngest(ctx, cfg, interleave, args, cmd.InOrStdin(), log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records ingested\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&interleave, "interleave", false, "read inputs round-robin instead of one after another")
	cmd.Flags().IntVar(&workers, "workers", 1, "parallel workers, each with its own backends")
	return cmd
}

func runIngest(ctx context.Context, cfg *config.Config, interleave bool, files []string, stdin io.Reader, log zerolog.Logger) (n int, err error) {
	var rec metrics.Recorder
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewPrometheus(reg)

		shutdown := serveMetrics(cfg.Metrics, reg, log)
		defer func() {
			err = errors.Join(err, shutdown())
		}()
	}

	seqs, closeSeqs, err := openSequences(ctx, cfg, files, stdin, log)
	if err != nil {
		return 0, err
	}
	defer closeSeqs()

	set := cfg.StashSettings()
	stashOpts := []stash.Option{stash.WithS3Config(cfg.S3), stash.WithMetrics(rec)}
	routerOpts := append(cfg.RouterOptions(), router.WithMetrics(rec))
	open := func() (*router.Router, error) {
		return router.Open(ctx, cfg.Parts, set, log, stashOpts, routerOpts...)
	}

	if cfg.Workers > 1 {
		return ingestor.ConsumeParallel(ctx, cfg.Ingestor, cfg.Workers, interleave, open, log, seqs...)
	}

	r, err := open()
	if err != nil {
		return 0, err
	}
	return ingestor.Run(ctx, r, cfg.Ingestor, interleave, log, seqs...)
}

func openSequences(ctx context.Context, cfg *config.Config, files []string, stdin io.Reader, log zerolog.Logger) ([]source.Sequence, func(), error) {
	var (
		seqs    []source.Sequence
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, name := range files {
		if name == "-" {
			seqs = append(seqs, source.JSONLines(stdin, source.WithAssignIDs()))
			continue
		}
		f, err := os.Open(name)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open input: %w", err)
		}
		closers = append(closers, func() { _ = f.Close() })
		seqs = append(seqs, source.JSONLines(f, source.WithAssignIDs()))
	}

	if len(files) == 0 {
		if cfg.SQS.QueueURL == "" {
			return nil, nil, errors.New("no input files and no sqs.queue_url configured")
		}
		if cfg.Workers > 1 && cfg.SQS.IdleTimeout <= 0 {
			return nil, nil, errors.New("sqs.idle_timeout is required with more than one worker")
		}
		client, err := newSQSClient(ctx, cfg.SQS)
		if err != nil {
			return nil, nil, err
		}
		q := source.NewSQS(ctx, client, cfg.SQS.QueueURL, cfg.SQS.SQSConfig, log)
		closers = append(closers, q.Close)
		seqs = append(seqs, q)
	}
	return seqs, closeAll, nil
}

func newSQSClient(ctx context.Context, cfg config.SQSConfig) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// serveMetrics exposes reg until the returned shutdown func is called.
func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, log zerolog.Logger) func() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	r.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen", cfg.Listen).Msg("metrics server")
		}
	}()
	log.Info().Str("listen", cfg.Listen).Str("path", path).Msg("metrics enabled")

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
