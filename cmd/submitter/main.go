package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/crpt_submit/internal/client"
	"github.com/austindbirch/crpt_submit/internal/config"
	"github.com/austindbirch/crpt_submit/internal/db"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/health"
	"github.com/austindbirch/crpt_submit/internal/intake"
	"github.com/austindbirch/crpt_submit/internal/journal"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/metrics"
	"github.com/austindbirch/crpt_submit/internal/stats"
	"github.com/austindbirch/crpt_submit/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("submitter failed")
	}
}

// run wires the service and blocks until ctx ends, then drains.
func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, cfg.TraceEnabled)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := map[string]health.Checker{}
	var reporters []dispatch.Reporter
	var counter journalCounter

	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		jr := journal.New(pool, logger)
		reporters = append(reporters, jr)
		counter = jr
		checks["postgres"] = health.Ping(pool)
		logger.Plain().WithField("host", cfg.DB.Host).Info("submission journal enabled")
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		store := stats.NewRedisStore(rdb, stats.WithTTL(cfg.Redis.StatsTTL))
		reporters = append(reporters, stats.NewReporter(store, logger))
		checks["redis"] = health.Ping(store)
		logger.Plain().WithField("addr", cfg.Redis.Addr).Info("redis stats enabled")
	}

	c, err := client.New(cfg.RateLimit.Period, cfg.RateLimit.Quota, cfg.Pool.Size,
		clientOptions(cfg, logger, reporters)...)
	if err != nil {
		return err
	}
	checks["dispatcher"] = dispatcherCheck(c)

	var dlq intake.Publisher
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer for DLQ: %w", err)
		}
		producer.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
		defer producer.Stop()
		dlq = producer
	}

	handler := intake.NewHandler(intake.Config{
		Submitter:        c,
		Publisher:        dlq,
		DLQTopic:         cfg.NSQ.DLQTopic,
		DefaultSignature: cfg.Auth.Signature,
		Logger:           logger,
	})

	nconf := nsq.NewConfig()
	nconf.MaxInFlight = cfg.NSQ.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.DocumentsTopic, cfg.NSQ.SubmitterChannel, nconf)
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(handler, cfg.Pool.Size)
	checks["nsq"] = health.CheckFunc(func(context.Context) error {
		if consumer.Stats().Connections == 0 {
			return errors.New("no nsqd connections")
		}
		return nil
	})

	// HTTP health, metrics and pipeline stats
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stats", statsHandler(c, counter, logger))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("submitter HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("submitter HTTP server failed")
		}
	}()

	// gRPC health for orchestrators
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCPort, err)
	}
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("submitter gRPC server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("submitter gRPC server stopped")
		}
	}()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go health.Watch(watchCtx, hs, cfg.AppName, checks, 10*time.Second)
	go monitorBacklog(watchCtx, cfg.NSQ, logger, 15*time.Second)

	// Connecting directly to nsqd creates the channel up front.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		return fmt.Errorf("connect to lookupd: %w", err)
	}

	logger.Plain().WithFields(map[string]any{
		"base_url": cfg.API.BaseURL,
		"period":   cfg.RateLimit.Period.String(),
		"quota":    cfg.RateLimit.Quota,
		"mode":     cfg.RateLimit.Mode,
		"pool":     cfg.Pool.Size,
	}).Info("submitter service started")

	<-ctx.Done()
	logger.Plain().Info("shutting down submitter service")

	// Stop intake first so nothing new is queued while the pool drains.
	consumer.Stop()
	<-consumer.StopChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()
	if err := c.Close(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("outstanding submissions canceled")
	}
	handler.Wait()

	cancelWatch()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("submitter service stopped")
	return nil
}

// journalCounter is satisfied by *journal.Journal.
type journalCounter interface {
	CountSince(ctx context.Context, outcome string, since time.Time) (int64, error)
}

// journalWindow is how far back /stats counts journaled outcomes.
const journalWindow = 24 * time.Hour

// statsHandler serves pool and limiter counters, plus per-outcome journal
// counts for the last day when the journal is enabled.
func statsHandler(c *client.Client, counter journalCounter, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"dispatcher": c.Stats(),
			"limiter":    c.LimiterStats(),
		}
		if counter != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			since := time.Now().Add(-journalWindow)
			counts := map[string]any{"window": journalWindow.String()}
			for _, outcome := range []string{"accepted", "rejected", "failed"} {
				n, err := counter.CountSince(ctx, outcome, since)
				if err != nil {
					logger.WithContext(ctx).WithError(err).Warn("journal count failed")
					counts["error"] = err.Error()
					break
				}
				counts[outcome] = n
			}
			body["journal"] = counts
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
