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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"wasend/internal/analytics"
	"wasend/internal/config"
	"wasend/internal/correlator"
	"wasend/internal/directory"
	"wasend/internal/httpserver"
	"wasend/internal/logging"
	"wasend/internal/observability"
	"wasend/internal/providers/botmaker"
	"wasend/internal/store/pg"
	"wasend/internal/util"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	advisorTemplates, err := cfg.AdvisorTemplates()
	if err != nil {
		slog.Error("invalid WA_ADVISOR_TEMPLATE_MAP", "err", err)
		os.Exit(1)
	}

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	mongoCtx, mongoCancel := context.WithTimeout(ctx, 5*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		slog.Error("webhook mongo connect failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	agg := analytics.NewMongo(mongoClient.Database(cfg.MongoDatabase))

	dir := directory.NewCached(directory.NewPG(db), directory.NewPG(db), cfg.DirectoryCacheTTL)

	bot := &botmaker.Client{
		Token:   cfg.BotmakerToken,
		BaseURL: cfg.BotmakerBaseURL,
		HTTP:    &http.Client{Timeout: cfg.BotmakerTimeout},
	}

	observability.Register(prometheus.DefaultRegisterer)

	corr := &correlator.Correlator{
		Store:            st,
		Analytics:        agg,
		Sender:           bot,
		Users:            dir,
		Templates:        dir,
		ThankYouTemplate: cfg.ThankYouTemplate,
		AdvisorTemplates: advisorTemplates,
		CountryCode:      cfg.CountryCode,
		EventIDGen:       util.NewEventID,
		LogIDGen:         util.NewLogID,
	}

	s := httpserver.New()
	wh := &httpserver.Webhook{Correlator: corr}
	wh.Register(s.Mux)

	s.Mux.Handle("/metrics", promhttp.Handler())
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return mongoClient.Ping(c, readpref.Primary()) },
	))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
