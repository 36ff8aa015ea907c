package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"clipflow/internal/api"
	"clipflow/internal/capture"
	"clipflow/internal/config"
	"clipflow/internal/delivery"
	"clipflow/internal/intake"
	"clipflow/internal/maintenance"
	"clipflow/internal/release"
	"clipflow/internal/store"
	"clipflow/internal/telegram"
)

func main() {
	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		cfgPath = flag.String("config", "", "YAML config file")
		debug   = flag.Bool("debug", false, "expose pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("prepare schema")
	}

	if n, err := st.ResetProcessing(context.Background()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered interrupted captures")
	}

	tg := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.APIBase,
		Timeout: cfg.Telegram.Timeout,
	})
	sender := delivery.NewSender(tg, st, delivery.Config{
		Interval:   cfg.SendInterval,
		MaxRetries: cfg.MaxRetries,
		QueueSize:  cfg.QueueSize,
	})
	notifier := delivery.NewSubmitterNotifier(sender)

	proc := capture.NewExecProcessor(cfg.Capture.Command, cfg.Capture.Args, cfg.Capture.Timeout, cfg.Capture.WorkDir)

	releases := release.NewQueue(st, sender, proc, release.QueueConfig{
		ChannelChat:    cfg.Telegram.ChannelChatID,
		ModerationChat: cfg.Telegram.ModerationChatID,
		Signature:      cfg.ChannelName,
		Poll:           cfg.ReleasePoll,
		Schedule: release.ScheduleConfig{
			MinGap:      cfg.MinGap,
			DaysAhead:   cfg.ScheduleDays,
			HourWeights: cfg.HourWeights,
			Location:    cfg.Location(),
		},
	})

	worker := intake.NewWorker(st, proc, releases, notifier, cfg.WorkerPoll, cfg.WorkerErrorWait)
	svc := intake.NewService(st, cfg.UserHourlyLimit)

	maint := maintenance.NewService(st, cfg.DraftsKeep, cfg.ErrorRetention)
	if err := maint.Start(); err != nil {
		log.Fatal().Err(err).Msg("start maintenance")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sender.Run(ctx)
	go worker.Run(ctx)
	go releases.Run(ctx)

	handler := api.NewServer(st, svc, releases, api.Config{
		MaxSlotsPerHour: cfg.MaxSlotsPerHour,
		HoursAhead:      cfg.StatsHoursAhead,
		Location:        cfg.Location(),
		EnableDebug:     *debug,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	maint.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
