package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"borg/forge/internal/client"
	"borg/forge/internal/config"
	"borg/forge/internal/executor"
	"borg/forge/internal/feedback"
	"borg/forge/internal/inspector"
	"borg/forge/internal/job"
	"borg/forge/internal/logchannel"
	"borg/forge/internal/storage"
	"borg/forge/internal/supervisor"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s --job job.yaml [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEvery config key can be overridden from the environment with the WORKER_ prefix,\n")
		fmt.Fprintf(os.Stderr, "e.g. WORKER_FILE_STORE_TOKEN or WORKER_SCHEDULER_REDIS_ADDRESS.\n")
		fmt.Fprintf(os.Stderr, "\nExample:\n")
		fmt.Fprintf(os.Stderr, "  %s --config worker.yaml --job /tmp/build-42.yaml\n", os.Args[0])
	}

	var configPath = flag.String("config", "", "Path to config file (YAML)")
	var jobPath = flag.String("job", "", "Path to job options file (YAML or JSON)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *jobPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	opts, err := job.LoadOptions(*jobPath)
	if err != nil {
		logger.Fatal("failed to load job options", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if status, err := run(ctx, cfg, opts, logger); err != nil {
		logger.Fatal("worker failed to start", zap.Error(err))
	} else {
		logger.Info("worker exiting", zap.Stringer("status", status))
	}
}

// run builds the process-wide collaborators, hosts one job and tears everything down
func run(ctx context.Context, cfg *config.Config, opts *job.Options, logger *zap.Logger) (job.Status, error) {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = strconv.Itoa(os.Getppid())
	}
	j := job.New(opts, workerID)
	logger = logger.With(zap.String("worker_id", workerID))
	logName := fmt.Sprintf("%s-%s", cfg.WorkerName, j.ID)

	var rdb *redis.Client
	if cfg.Scheduler.Backend == "redis" || cfg.Live.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Scheduler.Redis.Address,
			Password: cfg.Scheduler.Redis.Password,
			DB:       cfg.Scheduler.Redis.DB,
		})
		defer rdb.Close()
	}

	publisher, closePublisher, err := newPublisher(cfg, rdb)
	if err != nil {
		return job.StatusFailed, err
	}
	defer closePublisher()

	tr := newTracker(cfg, logger)
	defer tr.Close()

	store, err := newFileStore(cfg, logger)
	if err != nil {
		return job.StatusFailed, err
	}

	// the store token must never reach a log
	filter, err := logchannel.NewFilter(cfg.Redaction.Patterns, cfg.FileStore.Token, cfg.FileStore.S3.SecretKey)
	if err != nil {
		return job.StatusFailed, err
	}

	var live logchannel.LiveSink
	switch cfg.Live.Backend {
	case "redis":
		live = logchannel.NewRedisSink(rdb, cfg.Live.KeyPrefix+logName, cfg.Live.TTL())
	case "websocket":
		live = client.NewLiveFeed(cfg.Live.WebSocketURL, j.ID, logger)
	}

	channel, err := logchannel.New(logchannel.Options{
		Name:         logName,
		LogDir:       cfg.LogDir,
		SkipFeedback: j.SkipFeedback,
		Filter:       filter,
		Live:         live,
		LiveLines:    cfg.Live.Lines,
		LiveInterval: cfg.Live.FlushInterval(),
		Logger:       logger,
	})
	if err != nil {
		return job.StatusFailed, err
	}

	exec, err := executor.NewExecutor(cfg.WorkDir, cfg.OutputFolder, logger)
	if err != nil {
		channel.Stop()
		return job.StatusFailed, err
	}

	inspectorOpts := inspector.Options{
		MaxSilence:    cfg.Inspector.MaxSilence(),
		TimeLiving:    cfg.Inspector.TimeLiving(),
		CheckInterval: cfg.Inspector.CheckInterval(),
	}
	if opts.TimeLiving > 0 {
		inspectorOpts.TimeLiving = secondsDuration(opts.TimeLiving)
	}
	if rdb != nil {
		inspectorOpts.Signal = inspector.NewRedisSignal(rdb, cfg.Inspector.CancelKeyPrefix+logName+"-status")
	}

	sup := supervisor.New(ctx, supervisor.Options{
		Job:          j,
		Runner:       executor.NewScriptRunner(exec, opts, channel.Writer()),
		Log:          channel,
		Reporter:     feedback.NewReporter(j, publisher, cfg.Scheduler.Queue, cfg.Scheduler.HandlerClass, logger),
		Store:        store,
		Archiver:     storage.TarGz{},
		Tracker:      tr,
		OutputFolder: cfg.OutputFolder,
		ABFURL:       cfg.ABFURL,
		Production:   cfg.IsProduction(),
		Inspector:    inspectorOpts,
		Logger:       logger,
	})
	return sup.Run(ctx), nil
}
