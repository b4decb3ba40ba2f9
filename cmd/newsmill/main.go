package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/ai/gemini"
	"github.com/marberlow/newsmill/internal/api"
	"github.com/marberlow/newsmill/internal/broker"
	"github.com/marberlow/newsmill/internal/clock/system"
	"github.com/marberlow/newsmill/internal/config"
	"github.com/marberlow/newsmill/internal/dispatcher"
	"github.com/marberlow/newsmill/internal/enrich"
	"github.com/marberlow/newsmill/internal/extract"
	"github.com/marberlow/newsmill/internal/hash/sha256"
	"github.com/marberlow/newsmill/internal/id/uuid"
	"github.com/marberlow/newsmill/internal/logging"
	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/notify"
	"github.com/marberlow/newsmill/internal/notify/sinks"
	"github.com/marberlow/newsmill/internal/pipeline"
	memorypublisher "github.com/marberlow/newsmill/internal/publisher/memory"
	pubsubpublisher "github.com/marberlow/newsmill/internal/publisher/pubsub"
	memoryqueue "github.com/marberlow/newsmill/internal/queue/memory"
	pubsubqueue "github.com/marberlow/newsmill/internal/queue/pubsub"
	"github.com/marberlow/newsmill/internal/schedule"
	"github.com/marberlow/newsmill/internal/storage/gcs"
	"github.com/marberlow/newsmill/internal/storage/local"
	memorystorage "github.com/marberlow/newsmill/internal/storage/memory"
	"github.com/marberlow/newsmill/internal/storage/postgres"
	"github.com/marberlow/newsmill/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	clk := system.New()
	ids := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	var (
		sourceStore pipeline.SourceStore
		history     pipeline.HistoryStore
		creds       pipeline.CredentialStore
		closeStores func()
	)
	switch cfg.DB.Provider {
	case "postgres":
		dbCfg := postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns}
		ss, err := postgres.NewSourceStore(ctx, dbCfg, "")
		if err != nil {
			return fmt.Errorf("source store: %w", err)
		}
		hs, err := postgres.NewHistoryStore(ctx, dbCfg, "")
		if err != nil {
			ss.Close()
			return fmt.Errorf("history store: %w", err)
		}
		cs, err := postgres.NewCredentialStore(ctx, dbCfg, "")
		if err != nil {
			ss.Close()
			hs.Close()
			return fmt.Errorf("credential store: %w", err)
		}
		sourceStore, history, creds = ss, hs, cs
		closeStores = func() {
			cs.Close()
			hs.Close()
			ss.Close()
		}
	default:
		sourceStore = memorystorage.NewSourceStore()
		history = memorystorage.NewHistoryStore()
		creds = memorystorage.NewCredentialStore()
		closeStores = func() {}
	}
	defer closeStores()

	// The article store is the external Posts collaborator. Until that
	// service is reachable the in-memory stand-in keeps the pipeline whole.
	articles := memorystorage.NewArticleStore()

	var (
		queue     pipeline.Queue
		queueStop func()
	)
	if cfg.PubSub.Enabled {
		pq, err := pubsubqueue.NewQueue(ctx, cfg.PubSub.ProjectID, cfg.PubSub.JobTopic, cfg.PubSub.JobSub, logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue: %w", err)
		}
		queue = pq
		queueStop = func() {
			if err := pq.Close(); err != nil {
				logger.Warn("queue close failed", zap.Error(err))
			}
		}
	} else {
		backoffInitial, backoffMax := cfg.Backoff()
		mq := memoryqueue.NewQueue(memoryqueue.Config{
			Capacity:       cfg.Pipeline.QueueDepth,
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			BackoffInitial: backoffInitial,
			BackoffMax:     backoffMax,
		}, logger.Named("queue"))
		queue = mq
		queueStop = mq.Close
	}

	var objects pipeline.ObjectStore
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage client: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("storage client close failed", zap.Error(err))
			}
		}()
		objects, err = gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs object store: %w", err)
		}
	default:
		var err error
		objects, err = local.New(local.Config{BaseDir: cfg.Storage.LocalDir, BaseURL: cfg.Storage.BaseURL})
		if err != nil {
			return fmt.Errorf("local object store: %w", err)
		}
	}

	var publisher pipeline.Publisher = memorypublisher.New()
	if cfg.PubSub.Enabled && cfg.PubSub.PublishedTopic != "" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("pubsub client close failed", zap.Error(err))
			}
		}()
		publisher = pubsubpublisher.New(client)
	}

	hostRPS := 2.0
	if cfg.Fetch.HostDelayMs > 0 {
		hostRPS = 1000.0 / float64(cfg.Fetch.HostDelayMs)
	}
	limiter := extract.NewHostLimiter(extract.LimiterConfig{DefaultRPS: hostRPS, DefaultBurst: 1})
	fetcher := extract.NewFetcher(extract.FetchConfig{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, limiter)
	static := extract.NewStatic(fetcher, logger.Named("static"))
	dynamic, err := extract.NewDynamic(extract.DynamicConfig{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		SettleDelay:       time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
	}, limiter, logger.Named("dynamic"))
	if err != nil {
		return fmt.Errorf("dynamic extractor: %w", err)
	}
	selector := &extract.Selector{
		Static:    static,
		Promoting: extract.NewPromoting(fetcher, dynamic, extract.NewRenderDetector(0), logger.Named("promote")),
		Dynamic:   dynamic,
	}
	feeds := extract.NewFeedCrawler(fetcher, history, queue, ids, clk, logger.Named("feeds"))

	keyBroker := broker.New(creds, clk, broker.Config{Cooldown: cfg.Cooldown()}, logger.Named("broker"))
	generator := gemini.New(gemini.Config{
		Model:     cfg.AI.Model,
		Timeout:   time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		MaxTokens: cfg.AI.MaxTokens,
	}, logger.Named("gemini"))
	relocator := enrich.NewImageRelocator(fetcher, objects, hasher, cfg.Storage.Prefix, logger.Named("images"))
	metaGen := enrich.NewMetadataGenerator(keyBroker, generator, enrich.MetadataConfig{
		ExcerptMaxRunes: cfg.Pipeline.ExcerptMaxRune,
	}, logger.Named("metadata"))
	enricher := enrich.New(relocator, metaGen, nil, articles, logger.Named("enrich"))

	notifySinks := []notify.Sink{
		sinks.NewLogSink(logger.Named("notify")),
	}
	storeSink := sinks.NewStoreSink(0)
	notifySinks = append(notifySinks, storeSink)
	if promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("prometheus notification sink unavailable", zap.Error(err))
	} else {
		notifySinks = append(notifySinks, promSink)
	}
	hub := notify.NewHub(notify.Config{BaseContext: ctx, Logger: logger.Named("notify")}, notifySinks...)

	workerCfg := worker.Config{PublishTopic: cfg.PubSub.PublishedTopic}
	var workers []*worker.Worker
	for i := 0; i < cfg.Pipeline.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			sourceStore,
			history,
			articles,
			feeds,
			selector,
			enricher,
			hub,
			publisher,
			clk,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	scheduler := schedule.New(sourceStore, queue, ids, clk, logger.Named("schedule"))
	if err := scheduler.Sync(ctx); err != nil {
		logger.Warn("initial scheduler sync failed", zap.Error(err))
	}
	scheduler.Start()

	apiServer := api.NewServer(api.Deps{
		Sources:       sourceStore,
		History:       history,
		Credentials:   creds,
		Scheduler:     scheduler,
		Dispatcher:    dispatch,
		Notifications: storeSink,
		IDs:           ids,
		Clock:         clk,
	}, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
		close(dispatchDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher did not drain in time")
	}
	queueStop()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("notification hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
