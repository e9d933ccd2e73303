package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	tclient "go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"litingest/internal/api"
	"litingest/internal/app"
	"litingest/internal/config"
	"litingest/internal/storage"
	"litingest/internal/util"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := util.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	comps, err := app.Build(context.Background(), cfg, nil, storage.NewModelCallRepo(db), logger)
	if err != nil {
		log.Fatal(err)
	}
	tc, err := tclient.Dial(tclient.Options{HostPort: cfg.TemporalAddress, Logger: tlog.NewStructuredLogger(logger)})
	if err != nil {
		log.Fatal(err)
	}
	defer tc.Close()

	srv := api.NewServer(cfg, api.Deps{
		Workflows: api.TemporalWorkflows{Client: tc, TaskQueue: cfg.TemporalTaskQueue},
		Projects:  storage.NewProjectRepo(db),
		Papers:    storage.NewPaperRepo(db),
		Registry:  comps.Registry,
		Scorer:    comps.Engine,
		Logger:    logger,
	})
	logger.Info("litingest api listening", "addr", cfg.APIAddr, "auth", cfg.JWTSecret != "")
	if err := http.ListenAndServe(cfg.APIAddr, srv.Routes()); err != nil {
		log.Fatal(err)
	}
}
