package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"flowline/internal/api"
	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/handlers/shell"
	"flowline/internal/handlers/webhook"
	"flowline/internal/scheduler"
	"flowline/internal/store"
	"flowline/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

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

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	// Lifecycle callbacks: the surrounding platform would subscribe its
	// orchestration and billing hooks here; the binary just logs.
	callbacks := scheduler.Callbacks{}
	for _, state := range domain.TaskStates {
		state := state
		callbacks[state] = func(task domain.Task) {
			log.Debug().Str("task_id", task.ID).Str("name", task.Name).Str("state", string(state)).Msg("task transition")
		}
	}

	sched := scheduler.New(st, callbacks, cfg.MonitorInterval, log.Logger)
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon := scheduler.NewSchedulingDaemon(st, sched, cfg.SchedulingInterval, log.Logger)
	go daemon.Start(ctx)

	retention, err := scheduler.NewRetention(st, cfg.RetentionCron, cfg.RetentionDays, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("retention cron")
	}
	go retention.Start(ctx)

	if cfg.Workers > 0 {
		handlers := map[string]worker.Handler{
			"shell":   shell.Shell{},
			"webhook": webhook.Webhook{},
		}
		host, _ := os.Hostname()
		pool := worker.NewPool(sched, handlers, cfg.WorkerGroupKey, host, cfg.Workers, cfg.WorkerPoll, cfg.HeartbeatInterval, log.Logger)
		go pool.Run(ctx)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(sched)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
