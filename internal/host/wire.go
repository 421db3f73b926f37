package host

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/internal/notify"
	"github.com/3cpo-dev/autostudy/internal/platform"
)

// FromConfig assembles a server from the application configuration: the
// platform client, the session manager, the run history store and the redis
// event sink when each is configured. Close releases what it opened.
func FromConfig(ctx context.Context, cfg core.Config, version string) (*Server, error) {
	client := platform.New(cfg.Platform.Client())
	ttl := time.Duration(cfg.Host.SessionTTLSeconds) * time.Second
	m := NewManager(client, cfg.Run.Options(), ttl)
	s := NewServer(cfg, client, m)
	s.Version = version

	if !cfg.Store.Disabled {
		store, err := core.NewStore(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		m.UseStore(store)
		s.UseStore(store)
		s.closers = append(s.closers, store.Close)
	}

	if cfg.Redis.Addr != "" {
		rc, err := notify.Connect(ctx, notify.FromCore(cfg.Redis))
		if err != nil {
			s.Close()
			return nil, err
		}
		channel := cfg.Redis.Channel
		m.AddSink(RedisSinks(rc, channel))
		s.closers = append(s.closers, rc.Close)
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", channel).Msg("publishing run events to redis")
	}
	return s, nil
}

// RedisSinks gives every run a sink publishing on channel.
func RedisSinks(rc *redis.Client, channel string) SinkFactory {
	return func(runID string) core.CallbackSink {
		sink, err := notify.NewRedisSink(rc, channel, runID)
		if err != nil {
			log.Warn().Err(err).Str("run", runID).Msg("redis sink disabled")
			return nil
		}
		return sink
	}
}

// Serve listens on the configured address, over TLS when certificates are
// set, until ctx ends; then it shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.config().Host
	tlsCfg := TLSFromConfig(cfg)
	srv, err := s.httpServer(cfg.Addr, tlsCfg)
	if err != nil {
		return err
	}
	s.srv = srv

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Bool("tls", tlsCfg.Enabled()).Bool("mtls_required", tlsCfg.RequireClientCert()).Msg("Starting host")
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("host: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("host shutting down")
	return s.Shutdown(shutdownCtx)
}
