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

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"courier/internal/admission"
	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/gateway"
	"courier/internal/kv"
	"courier/internal/store"
)

func main() {
	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		cfgPath = flag.String("config", "", "YAML config file")
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

	// the engine must not declare itself ready while the store is unreachable
	probe := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(db.Ping, probe); err != nil {
		log.Fatal().Err(err).Msg("store unreachable")
	}
	if err := kv.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	taskStore := store.New(kv.NewSQLite(db))

	var adm admission.Controller = admission.AllowAll{}
	if cfg.RatePerSec > 0 {
		adm = admission.NewLimiter(cfg.RatePerSec, cfg.RateBurst)
	}
	gw := gateway.NewHTTP(cfg.GatewayTimeout.Std())

	eng := engine.New(engine.Config{
		MaxRetries:          cfg.MaxRetries,
		BaseBackoff:         cfg.BaseBackoff.Std(),
		SweepInterval:       cfg.SweepInterval.Std(),
		AdmissionWeight:     cfg.AdmissionWeight,
		AdmissionRetryDelay: cfg.AdmissionRetryDelay.Std(),
		MaxInFlight:         cfg.MaxInFlight,
	}, taskStore, gw, adm, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start")
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(eng)}
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

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = srv.Shutdown(shutCtx)
	eng.Stop()
	cancel()
}
