package main

import (
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"borg/forge/internal/client"
	"borg/forge/internal/config"
	"borg/forge/internal/feedback"
	"borg/forge/internal/storage"
	"borg/forge/internal/tracker"
	"borg/forge/internal/uploader"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newPublisher(cfg *config.Config, rdb *redis.Client) (feedback.Publisher, func(), error) {
	switch cfg.Scheduler.Backend {
	case "amqp":
		conn, err := amqp.Dial(cfg.Scheduler.AMQP.URL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect to rabbitmq")
		}
		pub, err := feedback.NewAMQPPublisher(conn, cfg.Scheduler.AMQP.Exchange)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return pub, func() {
			pub.Close()
			conn.Close()
		}, nil
	default:
		return feedback.NewRedisPublisher(rdb, cfg.Scheduler.Redis.Namespace), func() {}, nil
	}
}

// newTracker returns the Airbrake notifier in production, a no-op otherwise
func newTracker(cfg *config.Config, logger *zap.Logger) tracker.Tracker {
	if !cfg.IsProduction() {
		return tracker.Nop{}
	}
	tr, err := tracker.NewAirbrake(tracker.Options{
		ProjectID:   cfg.ErrorTracker.ProjectID,
		ProjectKey:  cfg.ErrorTracker.ProjectKey,
		Host:        cfg.ErrorTracker.Host,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		logger.Warn("error tracker disabled", zap.Error(err))
		return tracker.Nop{}
	}
	return tr
}

func newFileStore(cfg *config.Config, logger *zap.Logger) (uploader.FileStore, error) {
	fs := cfg.FileStore
	switch fs.Backend {
	case "s3":
		return storage.NewS3Store(storage.S3Options{
			Endpoint:  fs.S3.Endpoint,
			Bucket:    fs.S3.Bucket,
			AccessKey: fs.S3.AccessKey,
			SecretKey: fs.S3.SecretKey,
			Secure:    fs.S3.Secure,
		}, logger)
	default:
		return client.NewFileStore(client.FileStoreOptions{
			URL:            fs.URL,
			CreateURL:      fs.CreateURL,
			Token:          fs.Token,
			ConnectTimeout: fs.ConnectTimeout(),
			Attempts:       fs.Retries,
		}, logger), nil
	}
}

func secondsDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
