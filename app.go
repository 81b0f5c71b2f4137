package main

import (
	"context"
	"fmt"
	"log"

	"vodpipeline/config"
	"vodpipeline/models"
	"vodpipeline/pipeline"
	"vodpipeline/queue"
	"vodpipeline/services"
	"vodpipeline/worker"

	"github.com/redis/go-redis/v9"
)

// app holds every long-lived dependency of one CLI invocation.
type app struct {
	cfg         *config.Config
	redis       *redis.Client
	store       *services.VideoStore
	queue       *queue.Queue
	jobs        *pipeline.Jobs
	runner      services.CommandRunner
	prober      *services.FFprobe
	thumbnailer *services.Thumbnailer
	s3          *services.S3Service
	service     *pipeline.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	store, err := services.NewVideoStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	q := queue.New(redisClient, queue.Options{
		Prefix:     cfg.RedisPrefix,
		LeaseTTL:   cfg.LeaseTTL,
		MaxRetries: cfg.MaxRetries,
		DeferDelay: cfg.DeferDelay,
	})

	a := &app{
		cfg:    cfg,
		redis:  redisClient,
		store:  store,
		queue:  q,
		jobs:   pipeline.NewJobs(q),
		runner: services.NewExecRunner(),
	}
	a.prober = services.NewFFprobe(cfg.FFprobePath, a.runner)
	a.thumbnailer = services.NewThumbnailer(cfg.FFmpegPath, a.runner)

	var mirror pipeline.Mirror
	if cfg.MirrorEnabled() {
		a.s3 = services.NewS3Service(cfg)
		mirror = a.s3
	}

	a.service = pipeline.NewService(pipeline.ServiceOptions{
		Store:       store,
		Jobs:        a.jobs,
		Prober:      a.prober,
		Thumbnailer: a.thumbnailer,
		Mirror:      mirror,
		StorageDir:  cfg.StorageDir,
	})
	return a, nil
}

func (a *app) mirror() pipeline.Mirror {
	if a.s3 == nil {
		return nil
	}
	return a.s3
}

func (a *app) orchestrator() *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(a.queue, a.store, a.mirror(), a.cfg.OrchestratorGroup, a.cfg.OrchestratorName)
}

func (a *app) pool() *worker.Pool {
	transcoder := services.NewTranscoder(a.cfg.FFmpegPath, a.cfg.FFmpegNiceness, a.runner, a.prober)
	muxer := services.NewMuxer(a.cfg.FFmpegPath, a.cfg.FFmpegNiceness, a.runner)

	return worker.NewPool(a.cfg, a.queue, map[models.JobType]worker.Handler{
		models.JobTranscodeVideo:   worker.NewTranscodeHandler(transcoder, a.s3, services.DefaultLadder),
		models.JobTranscodeCaption: worker.NewCaptionHandler(a.store, muxer),
	})
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
	if err := a.redis.Close(); err != nil {
		log.Printf("Failed to close redis: %v", err)
	}
}
