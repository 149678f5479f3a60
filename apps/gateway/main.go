package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/bootstrap"
	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/lifecycle"
	"github.com/mahaj/teamchat/pkg/logger"
	"github.com/mahaj/teamchat/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat).Named("gateway")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize runtime", zap.Error(err))
	}
	defer rt.Close()

	go func() {
		if err := rt.Bus.Run(ctx); err != nil {
			log.Error("Event bus stopped", zap.Error(err))
			stop()
		}
	}()

	manager := lifecycle.NewManager(rt.Issuer, rt.Store, rt.Presence, rt.Bus, log.Named("lifecycle"))
	hub := NewHub(manager, rt.Service, log)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           newRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Gateway Service Starting", zap.String("addr", cfg.GatewayAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Gateway server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down", zap.Int("connections", manager.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("Connection cleanup incomplete", zap.Error(err))
	}
}

func newRouter(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(mux)
}
