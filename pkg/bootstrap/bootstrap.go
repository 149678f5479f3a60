// Package bootstrap wires the configured backends into a chat.Service. The
// gateway and the api share it so both see the same store, presence and bus.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/db"
	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/presence"
	"github.com/mahaj/teamchat/pkg/snowflake"
	"github.com/mahaj/teamchat/pkg/store"
	"github.com/mahaj/teamchat/pkg/store/memory"
	"github.com/mahaj/teamchat/pkg/store/scylla"
)

type Runtime struct {
	Config   *config.Config
	Log      *zap.Logger
	Store    store.Store
	Presence presence.Store
	Bus      eventbus.Bus
	Issuer   *auth.Issuer
	Service  *chat.Service
	Session  *db.Session

	redis   *redis.Client
	closers []func() error
}

// New connects every configured backend. On error, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if cfg.PresenceBackend == config.PresenceRedis || cfg.EventTransport == config.TransportRedis {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rt.redis.Close)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	switch cfg.StoreBackend {
	case config.StoreScylla:
		rt.Session, err = db.NewSession(db.Options{
			Hosts:    cfg.ScyllaHosts,
			Keyspace: cfg.ScyllaKeyspace,
			Timeout:  cfg.ScyllaTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("scylla: %w", err)
		}
		rt.closers = append(rt.closers, func() error { rt.Session.Close(); return nil })
		rt.Store = scylla.New(rt.Session)
	default:
		log.Warn("Using in-memory store; data is lost on restart")
		rt.Store = memory.New()
	}

	switch cfg.PresenceBackend {
	case config.PresenceRedis:
		rt.Presence = presence.NewRedis(rt.redis, cfg.RedisPrefix)
	default:
		rt.Presence = presence.NewMemory()
	}

	hub := eventbus.NewHub(log.Named("hub"))
	switch cfg.EventTransport {
	case config.TransportKafka:
		rt.Bus = eventbus.NewKafka(eventbus.KafkaOptions{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			GroupPrefix: "gateway-fanout",
		}, hub, log.Named("kafka"))
	case config.TransportRedis:
		rt.Bus = eventbus.NewRedis(rt.redis, cfg.RedisPrefix, hub, log.Named("redis"))
	default:
		rt.Bus = hub
	}
	rt.closers = append(rt.closers, rt.Bus.Close)

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	rt.Issuer = auth.NewIssuer(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	rt.Service = chat.New(chat.Deps{
		Store:    rt.Store,
		Presence: rt.Presence,
		Bus:      rt.Bus,
		IDs:      node,
		Log:      log.Named("chat"),
	})
	log.Info("Runtime ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("presence", cfg.PresenceBackend),
		zap.String("transport", cfg.EventTransport),
		zap.Int64("node_id", cfg.NodeID))
	return rt, nil
}

// Close releases backends in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
