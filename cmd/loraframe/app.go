package main

import (
	"fmt"

	"go.uber.org/zap"

	"loraframe/studio/internal/cast"
	"loraframe/studio/internal/config"
	"loraframe/studio/internal/editor"
	"loraframe/studio/internal/events"
	"loraframe/studio/internal/job"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/store"
	"loraframe/studio/internal/telemetry"
)

// app holds the wired studio components shared by every command.
type app struct {
	client  *provider.Client
	store   *store.MemoryStore
	hub     *events.Hub
	metrics *telemetry.Metrics
	jobs    *job.Service
	cast    *cast.Service
	editor  *editor.Editor
	mode    model.GenerationMode
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	client, err := provider.NewClient(cfg.API.BaseURL, cfg.API.Timeout, logger)
	if err != nil {
		return nil, err
	}
	mode, ok := model.ParseGenerationMode(cfg.Studio.Mode)
	if !ok {
		return nil, fmt.Errorf("invalid studio.mode %q", cfg.Studio.Mode)
	}

	st := store.NewMemoryStore(cfg.Studio.LogCapacity)
	hub := events.NewHub(events.DefaultBacklog)
	metrics := telemetry.NewMetrics()
	breakers := provider.NewBreakers(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout, logger)
	poller := job.NewPoller(client, cfg.Poll, metrics, logger)

	return &app{
		client:  client,
		store:   st,
		hub:     hub,
		metrics: metrics,
		jobs:    job.NewService(client, poller, st, hub, breakers, metrics, logger),
		cast:    cast.NewService(client, st, hub, breakers, metrics, logger),
		editor:  editor.New(client, editor.NewFFmpeg(cfg.Editor.FFmpegPath, logger), cfg.Editor, metrics, logger),
		mode:    mode,
	}, nil
}
