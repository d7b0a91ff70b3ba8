package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottlaird/report-collector/cache"
	"github.com/scottlaird/report-collector/collector"
	"github.com/scottlaird/report-collector/config"
	"github.com/scottlaird/report-collector/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	oltpgrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := oltpgrpc.New(context.Background())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("report-collector"))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "report-collector",
		Short: "Collect browser reports sent through the Reporting API",
		Long: `report-collector receives Reporting API deliveries (CSP violations,
deprecations, crashes, network errors, ...) and legacy application/csp-report
POSTs, deduplicates them and stores every occurrence in a SQL database.  Stored
reports can be listed and searched through a small JSON API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file (default ./config.yaml if present)")
	if err := config.AddFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := config.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Set up otel tracing
	if cfg.Trace {
		tp, err := initTracer()
		if err != nil {
			return fmt.Errorf("unable to initialize otel tracer: %w", err)
		}
		defer func() {
			tp.Shutdown(context.Background())
		}()
	}

	types, err := collector.NewReportTypes(cfg.ReportTypes...)
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := store.Migrate(db); err != nil {
			return err
		}
	}

	reports := store.NewReports(db, cache.NewGroup("reports", cfg.Cache.Expiration, cfg.Cache.CleanupInterval))
	logs := store.NewReportLogs(db, cache.NewGroup("report_logs", cfg.Cache.Expiration, cfg.Cache.CleanupInterval), reports)

	reportingHandler := collector.NewReportingHandler(collector.NewIngester(reports, logs), types)
	reportingHandler.NumberOfProxies = cfg.NumberOfProxies
	reportingHandler.MaxBytes = cfg.MaxMessageSize

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodPost, "/", reportingHandler)
	r.Method(http.MethodPost, "/reporting", reportingHandler)
	r.Route("/api", collector.NewAPI(reports, logs).RegisterRoutes)

	var handler http.Handler = r
	if cfg.Trace {
		handler = otelhttp.NewHandler(r, "report-collector")
	}

	if cfg.MetricsListen != "" {
		go func() {
			slog.Info("Serving metrics", "addr", cfg.MetricsListen)
			if err := collector.RunMetricsServer(cfg.MetricsListen); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	s := &http.Server{
		Addr:           cfg.Listen,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	slog.Info("Listening", "addr", s.Addr, "report_types", types.Names())
	return s.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
