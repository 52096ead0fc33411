package main

import (
	"context"
	"fmt"

	"daysync/internal/classify"
	"daysync/internal/config"
	"daysync/internal/events"
	"daysync/internal/gcal"
	"daysync/internal/ics"
	appLog "daysync/internal/log"
	"daysync/internal/schedule"
	"daysync/internal/store"
)

// app is the wired set of components every subcommand works against.
type app struct {
	cfg    *config.Config
	store  store.Store
	pub    events.Publisher
	remote *gcal.Client
	svc    *schedule.Service
}

func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	appLog.Init(appLog.Options{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding, File: cfg.Log.File})
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"poll_schedule", cfg.PollSchedule,
		"store", cfg.Store.Driver,
		"events", cfg.Events.Driver,
	)

	st, err := store.Open(ctx, store.Options{Driver: cfg.Store.Driver, Dir: cfg.Store.Dir, RedisURL: cfg.Store.RedisURL})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pub, err := newPublisher(cfg.Events)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	loc := cfg.Location()
	classifier := classify.WithExtraKeywords(cfg.Keywords)
	remote := gcal.New(gcal.Options{
		Endpoint:   cfg.Google.Endpoint,
		Location:   loc,
		Classifier: classifier,
		Timeout:    cfg.GoogleTimeout(),
	})

	svc, err := schedule.New(schedule.Options{
		Store:      st,
		Publisher:  pub,
		Classifier: classifier,
		Location:   loc,
		Remote:     remote,
		Fetcher:    ics.NewFetcher(cfg.ICSCacheDir, nil),
	})
	if err != nil {
		_ = pub.Close()
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, pub: pub, remote: remote, svc: svc}, nil
}

func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "amqp":
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, fmt.Errorf("connect event broker: %w", err)
		}
		// Keep a log line per event alongside the broker.
		return events.Multi{events.LogPublisher{}, p}, nil
	case "none":
		return events.Discard{}, nil
	default:
		return events.LogPublisher{}, nil
	}
}

func (a *app) Close() {
	if err := a.pub.Close(); err != nil {
		appLog.Error("close publisher failed", err)
	}
	if err := a.store.Close(); err != nil {
		appLog.Error("close store failed", err)
	}
}
