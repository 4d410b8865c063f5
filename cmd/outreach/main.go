package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"outreach/internal/api"
	"outreach/internal/config"
	"outreach/internal/engine"
	"outreach/internal/events"
	"outreach/internal/provider"
	"outreach/internal/scheduler"
	"outreach/internal/store"
	"outreach/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}

	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		publisher, err = events.DialAMQPWithRetry(ctx, cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("dial amqp")
		}
	}
	defer publisher.Close()

	var sender provider.Sender = provider.Log{Logger: log.Logger}
	if cfg.Provider.URL != "" {
		sender = provider.HTTP{
			URL:     cfg.Provider.URL,
			Token:   cfg.Provider.Token,
			From:    cfg.Provider.From,
			Timeout: cfg.Provider.Timeout,
		}
	} else {
		log.Warn().Msg("no provider url configured, messages are only logged")
	}

	eng := engine.New(st, sender, engine.Config{
		MaxAttempts: cfg.MaxAttempts,
		PoolSize:    cfg.Workers,
		SendTimeout: cfg.Provider.Timeout,
		StaleLease:  cfg.StaleLease,
		OptOutCodes: cfg.OptOutCodes,
		Vocabulary:  cfg.Vocabulary(),
	}, engine.WithPublisher(publisher))

	if n, err := eng.RecoverStale(ctx); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale processing messages")
	}

	go eng.RunWorkerLoop(ctx, cfg.Poll, cfg.BatchSize)

	svc := scheduler.NewService()
	for _, job := range []scheduler.Job{
		{Name: "autopilot", Spec: cfg.AutopilotSpec, Run: func(ctx context.Context) error {
			_, err := eng.TickAll(ctx)
			return err
		}},
		{Name: "followups", Spec: cfg.FollowupSpec, Run: func(ctx context.Context) error {
			_, err := eng.RunFollowups(ctx, 0)
			return err
		}},
		{Name: "enroll_stale", Spec: cfg.EnrollSpec, Run: func(ctx context.Context) error {
			_, err := eng.EnrollStale(ctx, "")
			return err
		}},
		{Name: "recover_stale", Spec: cfg.RecoverSpec, Run: func(ctx context.Context) error {
			_, err := eng.RecoverStale(ctx)
			return err
		}},
	} {
		if err := svc.Add(ctx, job); err != nil {
			log.Fatal().Err(err).Msg("schedule job")
		}
	}
	svc.Start()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(eng, cfg.EnableDebug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	svc.Stop(ctxTimeout)
	if err := shutdownTracing(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("shutdown tracing")
	}
}
