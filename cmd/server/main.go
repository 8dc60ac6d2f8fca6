package main

import (
	"context"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"spotmatch/internal/config"
	"spotmatch/internal/httpapi"
	"spotmatch/internal/ledger"
	"spotmatch/internal/matching"
	"spotmatch/internal/query"
	"spotmatch/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("store open")
	}
	log.Info().Msg("connected to database")

	if err := st.Migrate(cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Msg("migrations applied")

	ldg := ledger.New()
	ldg.SetMaxRetries(cfg.LedgerMaxRetries)

	mgr := matching.NewManager(st, ldg, log)
	ctx := context.Background()
	if err := mgr.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("matching boot")
	}
	log.Info().Int64("engines", mgr.RunningEngines()).Msg("matching engines started")

	q := query.New(st, mgr)
	srv := httpapi.NewServer(st, mgr, q)

	log.Info().Str("port", cfg.Port).Msg("listening")
	if err := http.ListenAndServe(":"+cfg.Port, srv.Router()); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}
