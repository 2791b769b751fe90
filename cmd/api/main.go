package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wasend/internal/awsutil"
	"wasend/internal/config"
	"wasend/internal/directory"
	"wasend/internal/httpserver"
	"wasend/internal/logging"
	"wasend/internal/observability"
	sqsqueue "wasend/internal/queue/sqs"
	"wasend/internal/service"
	"wasend/internal/store/pg"
	"wasend/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	dir := directory.NewCached(directory.NewPG(db), directory.NewPG(db), cfg.DirectoryCacheTTL)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.DispatchQueueURL}

	svc := &service.SendService{
		Store:             st,
		Queue:             producer,
		Users:             dir,
		Templates:         dir,
		DefaultDailyLimit: cfg.DefaultDailyLimit,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		BatchIDGen:        util.NewBatchID,
		IdemIDGen:         util.NewIdemID,
	}

	s := httpserver.New()
	api := &httpserver.API{Svc: svc, Templates: dir}
	api.Register(s.Mux)

	s.Mux.Handle("/metrics", promhttp.Handler())
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpserver.Logging(
		httpserver.Metrics(observability.APIRequests)(
			httpserver.Identity(s.Mux)))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
