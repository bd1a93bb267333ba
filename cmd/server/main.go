package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"termsync/internal/auth"
	"termsync/internal/config"
	"termsync/internal/hub"
	"termsync/internal/pairing"
	"termsync/internal/server"
	"termsync/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	gin.SetMode(cfg.GinMode)

	st := store.NewWithOptions(store.Options{PairingsStateFile: cfg.PairingsStateFile})
	connections := hub.New()
	defer connections.Close()
	registry := pairing.NewRegistry(pairing.Options{TTL: cfg.PairingCodeTTL, Store: st})
	defer registry.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "termsync-relay",
	}

	router := server.NewRouter(server.Deps{
		Store:             st,
		Hub:               connections,
		Pairing:           registry,
		TokenConfig:       tokenCfg,
		RequireDeviceAuth: cfg.RequireDeviceAuth,
		AppVersion:        version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("listening", "port", cfg.Port, "tls", cfg.TLSCertFile != "", "device_auth", cfg.RequireDeviceAuth)
	if err := server.Run(ctx, cfg, router); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
