// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics/control server.
//
// Boot sequence:
//   1) loadBotEnv()        – read .env (no shell exports required)
//   2) loadConfig(yaml)    – build runtime Config (YAML overlay + env)
//   3) wire exchange gateway + persistence store
//   4) orchestrator.Restore() – load snapshot
//   5) start HTTP server: /healthz, /metrics, /status, /command
//   6) orchestrator.Run() until SIGINT/SIGTERM
//
// Flags:
//   -config <yaml>    Optional YAML config overlay
//   -backtest <csv>   Run a reducer-replay backtest over CSV candles and exit
//
// Example:
//   go run . -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	var yamlPath string
	var csvBacktest string
	var pretty bool
	flag.StringVar(&yamlPath, "config", "", "Path to YAML config overlay")
	flag.StringVar(&csvBacktest, "backtest", "", "Path to CSV (time,open,high,low,close,volume) for a reducer-replay backtest")
	flag.BoolVar(&pretty, "pretty-log", false, "Use console-pretty log output instead of JSON lines")
	flag.Parse()

	initLogging(pretty)
	loadBotEnv()
	cfg := loadConfig(yamlPath)

	if csvBacktest != "" {
		runBacktest(csvBacktest, cfg)
		return
	}

	store, err := NewGormPersistenceStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("persistence store init")
	}
	defer store.Close()

	gw := NewPaperExchangeGateway(getEnvFloat("SEED_PRICE", 0.1), cfg.Engine.MakerFeePct)

	orch := NewOrchestrator(cfg, gw, store)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := orch.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("snapshot restore")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	orch.RegisterControlSurface(mux)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("serving /metrics, /status, /command")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	orch.Run(ctx)

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
