package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/executor"
	"github.com/parleyhq/parley/internal/httpapi"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/policy"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/ws"
)

func main() {
	// .env is optional; environment variables win.
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	log.Info().
		Int("port", cfg.Port).
		Str("database", cfg.DatabasePath).
		Str("executor_url", cfg.ExecutorURL).
		Msg("starting parley")

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	runLedger := ledger.New(db, policyEngine, tools.DefaultRegistry, log)

	connectionHub := hub.NewHub(log)
	go connectionHub.Run()

	var exec executor.StepExecutor
	if cfg.ExecutorURL != "" {
		exec = executor.NewRemote(cfg.ExecutorURL, cfg.ExecutorTimeout)
	} else {
		// Development fallback: a scripted single-agent echo.
		exec = executor.NewScripted("agent_concierge", "Concierge",
			"<think>No executor configured, replying with the canned greeting.</think>",
			"Hello! ", "The conversation service is running in scripted mode.")
		log.Warn().Msg("no EXECUTOR_URL configured, using scripted executor")
	}

	wsServer := ws.NewServer(cfg, connectionHub, db, runLedger, exec, log)
	restHandler := httpapi.NewHandler(db, runLedger, connectionHub, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if cfg.APIKey != "" {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Skipper: func(c echo.Context) bool {
				p := c.Request().URL.Path
				return p == "/health" || p == "/ws"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.APIKey, nil
			},
		}))
	}

	e.GET("/ws", wsServer.HandleWebSocket)
	restHandler.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("parley started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down gracefully")
	}

	log.Info().Msg("parley stopped")
}
