package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"wasend/internal/analytics"
	"wasend/internal/awsutil"
	"wasend/internal/config"
	"wasend/internal/dispatcher"
	"wasend/internal/httpserver"
	"wasend/internal/logging"
	"wasend/internal/observability"
	"wasend/internal/providers/botmaker"
	sqsqueue "wasend/internal/queue/sqs"
	"wasend/internal/store/pg"
	"wasend/internal/util"
)

func main() {
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}

	mongoCtx, mongoCancel := context.WithTimeout(ctx, 5*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		slog.Error("dispatcher mongo connect failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	agg := analytics.NewMongo(mongoClient.Database(cfg.MongoDatabase))

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.DispatchQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.DispatchQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	bot := &botmaker.Client{
		Token:      cfg.BotmakerToken,
		BaseURL:    cfg.BotmakerBaseURL,
		Campaign:   cfg.BotmakerCampaign,
		SenderName: cfg.BotmakerSender,
		HTTP:       &http.Client{Timeout: cfg.BotmakerTimeout},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.BotmakerRPS), cfg.BotmakerBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "botmaker",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	processor := &dispatcher.Processor{
		Store:       st,
		Sender:      bot,
		Analytics:   agg,
		Limiter:     limiter,
		Breaker:     cb,
		Concurrency: cfg.RecipientConcurrency,
		CallTimeout: cfg.BotmakerTimeout,
		LogIDGen:    util.NewLogID,
	}

	healthMux := httpserver.New().Mux
	healthMux.Handle("/metrics", promhttp.Handler())
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.DispatchQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher starting poll", "queue_url", cfg.DispatchQueueURL)
		pollErrCh <- consumer.Poll(ctx, func(ctx context.Context, job sqsqueue.DispatchJob) (err error) {
			start := time.Now()
			slog.Info("batch job start", "batch_id", job.BatchID, "leads", len(job.Leads))
			defer func() {
				slog.Info("batch job finish",
					"batch_id", job.BatchID,
					"duration", time.Since(start),
					"err", err,
				)
			}()
			return processor.Process(ctx, job)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("dispatcher poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for poll loop")
	}
}
