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

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/bootstrap"
	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/conversations"
	"github.com/mahaj/teamchat/pkg/logger"
	"github.com/mahaj/teamchat/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat).Named("api")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize runtime", zap.Error(err))
	}
	defer rt.Close()

	r := routes{
		svc:     rt.Service,
		issuer:  rt.Issuer,
		auth:    cfg.Auth,
		secure:  cfg.Production(),
		origins: cfg.CORSOrigins,
		log:     log,
	}
	if rt.Session != nil {
		r.inbox = conversations.New(rt.Session)
	} else {
		log.Warn("Conversation inbox disabled without ScyllaDB")
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           r.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("API Service Starting", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
}

type routes struct {
	svc     *chat.Service
	issuer  *auth.Issuer
	auth    config.AuthConfig
	secure  bool
	origins []string
	// nil disables /conversations
	inbox Inbox
	log   *zap.Logger
}

func (rs routes) handler() http.Handler {
	mux := http.NewServeMux()
	protect := AuthMiddleware(rs.issuer, rs.log)

	// Public endpoints
	authHandler := &AuthHandler{svc: rs.svc, issuer: rs.issuer, cfg: rs.auth, secure: rs.secure, log: rs.log}
	mux.HandleFunc("POST /register", authHandler.Register)
	mux.HandleFunc("POST /login", authHandler.Login)
	mux.HandleFunc("POST /refresh", authHandler.Refresh)
	mux.Handle("POST /logout", protect(http.HandlerFunc(authHandler.Logout)))

	history := NewHistoryHandler(rs.svc, rs.log)
	mux.Handle("GET /history", protect(http.HandlerFunc(history.Channel)))
	mux.Handle("GET /dm/history", protect(http.HandlerFunc(history.Direct)))

	teams := NewTeamsHandler(rs.svc, rs.log)
	mux.Handle("GET /teams", protect(http.HandlerFunc(teams.List)))
	mux.Handle("POST /teams", protect(http.HandlerFunc(teams.Create)))
	mux.Handle("GET /teams/members", protect(http.HandlerFunc(teams.Members)))
	mux.Handle("POST /teams/members", protect(http.HandlerFunc(teams.AddMember)))
	mux.Handle("GET /teams/presence", protect(NewPresenceHandler(rs.svc, rs.log)))
	mux.Handle("GET /channels", protect(http.HandlerFunc(teams.Channels)))
	mux.Handle("POST /channels", protect(http.HandlerFunc(teams.CreateChannel)))
	mux.Handle("POST /channels/members", protect(http.HandlerFunc(teams.AddChannelMember)))
	mux.Handle("DELETE /channels/members", protect(http.HandlerFunc(teams.RemoveChannelMember)))
	mux.Handle("GET /channels/typing", protect(http.HandlerFunc(teams.Typing)))

	if rs.inbox != nil {
		mux.Handle("GET /conversations", protect(ConversationsHandler(rs.inbox, rs.log)))
		mux.Handle("POST /conversations/read", protect(ReadHandler(rs.inbox, rs.log)))
	}

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins(rs.origins),
		handlers.AllowedMethods([]string{"POST", "GET", "OPTIONS", "PUT", "DELETE"}),
		handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "X-CSRF-Token", "Authorization"}),
		handlers.AllowCredentials(),
	)
	access := zap.NewStdLog(rs.log.Named("access")).Writer()
	return handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(access, cors(mux)))
}
