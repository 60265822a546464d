package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"vaultkeeper/api"
	"vaultkeeper/config"
	"vaultkeeper/native/exitqueue"
	"vaultkeeper/native/oracle"
	"vaultkeeper/native/rewards"
	"vaultkeeper/native/vault"
	"vaultkeeper/observability/logging"
	"vaultkeeper/payloads"
	"vaultkeeper/registry"
	"vaultkeeper/state"
	"vaultkeeper/storage"
)

const authSecretEnv = "KEEPER_AUTH_SECRET"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("KEEPER_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("keeperd", env, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	authSecret := cfg.AuthSecret
	if fromEnv := strings.TrimSpace(os.Getenv(authSecretEnv)); fromEnv != "" {
		authSecret = fromEnv
	}
	if authSecret == "" {
		logger.Warn("API auth disabled: no auth secret configured")
	}

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		logger.Error("Failed to load registry", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "keeper"))
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := state.NewKeeperStore(db)

	oracleEngine, err := oracle.NewEngine(store, reg, cfg.UpdateDelaySeconds)
	if err != nil {
		logger.Error("Failed to build oracle engine", slog.Any("error", err))
		os.Exit(1)
	}
	harvester, err := rewards.NewEngine(store, oracleEngine)
	if err != nil {
		logger.Error("Failed to build harvester", slog.Any("error", err))
		os.Exit(1)
	}
	vaultEngine, err := vault.NewEngine(reg, harvester, store, func(v [20]byte) (*exitqueue.Engine, error) {
		return exitqueue.NewEngine(v, store.QueueState(v))
	}, nil)
	if err != nil {
		logger.Error("Failed to build vault engine", slog.Any("error", err))
		os.Exit(1)
	}

	server := api.NewServer(api.Config{
		Oracle:             oracleEngine,
		Vaults:             vaultEngine,
		Payloads:           payloads.NewStore(db),
		Logger:             logger,
		AuthSecret:         authSecret,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("keeper API listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.Any("error", err))
	}
}
