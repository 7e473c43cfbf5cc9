package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/adapters/telegram"
	"github.com/shieldgrp/shieldbot/internal/captcha"
	"github.com/shieldgrp/shieldbot/internal/config"
	"github.com/shieldgrp/shieldbot/internal/db/sqlite"
	"github.com/shieldgrp/shieldbot/internal/engine"
	"github.com/shieldgrp/shieldbot/internal/event"
	"github.com/shieldgrp/shieldbot/internal/flood"
	"github.com/shieldgrp/shieldbot/internal/gban"
	"github.com/shieldgrp/shieldbot/internal/infra"
	"github.com/shieldgrp/shieldbot/internal/lifecycle"
	"github.com/shieldgrp/shieldbot/internal/observability"
	"github.com/shieldgrp/shieldbot/internal/roles"
	"github.com/shieldgrp/shieldbot/internal/rules"
	"github.com/shieldgrp/shieldbot/internal/scoring"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		TimestampFormat:  "2006-01-02 15:04:05",
		QuoteEmptyFields: true,
	})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, cfg.MetricsAddr); err != nil {
		log.WithError(err).Fatalln("cant initialize observability")
	}

	store, err := sqlite.NewSQLiteClient(ctx, cfg.DotPath, "shieldbot.db")
	if err != nil {
		log.WithError(err).Fatalln("cant open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Errorln("cant close store")
		}
	}()

	matcher := rules.NewMatcher()
	report, err := matcher.Load(cfg.RulesPath)
	if err != nil {
		log.WithError(err).Fatalln("cant load rules")
	}
	log.WithFields(log.Fields{
		"loaded":  report.Loaded,
		"skipped": len(report.Skipped),
	}).Infoln("rules loaded")

	tgbot, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		log.WithError(err).Errorln("cant initialize bot api")
		time.Sleep(1 * time.Second)
		log.Fatalln("exiting")
	}
	tgbot.Debug = false

	operations := telegram.NewOperations(tgbot)
	resolver := roles.NewResolver(store, operations, cfg.OwnerIDs, cfg.Protection.TrustedOverridesMute)
	scorer := scoring.NewScorer(&cfg.Protection, matcher)
	detector := flood.NewDetector(&cfg.Protection)
	coordinator := captcha.NewCoordinator(&cfg.Captcha, store, nil, nil)
	propagator := gban.NewPropagator(store, operations)

	eng := engine.New(&cfg.Protection, resolver, scorer, detector, coordinator, propagator, store, operations)
	coordinator.OnExpired(eng.OnChallengeExpired)

	pump := event.NewPump()
	eng.Attach(pump)
	feed := telegram.NewFeed(tgbot, pump, store)

	runtime := lifecycle.NewRuntime()
	runtime.Register("spam_scorer", scorer)
	runtime.Register("flood_detector", detector)
	runtime.Register("captcha_coordinator", coordinator)
	runtime.Register("gban_propagator", propagator)
	runtime.Register("event_pump", pump)
	runtime.Register("telegram_feed", feed)

	if err := runtime.Start(ctx); err != nil {
		log.WithError(err).Fatalln("cant start runtime")
	}
	log.Infoln("shieldbot is up")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.WithField("signal", sig.String()).Infoln("shutting down")
	case <-infra.MonitorExecutable(ctx):
		log.Infoln("executable replaced, shutting down")
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := runtime.Stop(stopCtx); err != nil {
		log.WithError(err).Errorln("shutdown finished with errors")
	}
}
