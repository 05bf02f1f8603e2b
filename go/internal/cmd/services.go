package main

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/auth"
	"github.com/tempohq/tempo/go/internal/config"
	"github.com/tempohq/tempo/go/internal/realtime"
	"github.com/tempohq/tempo/go/internal/session"
	"github.com/tempohq/tempo/go/internal/timer"
	"github.com/tempohq/tempo/go/internal/timer/repository"
)

type Services struct {
	Repo          repository.Repository
	Sessions      *session.Registry
	Authenticator *auth.Authenticator
	TimerApp      *timer.App
	Timer         *timer.Service
	Realtime      *realtime.Service
	Relay         *realtime.Relay

	nc *nats.Conn
}

func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	// Repository → App → Service, with the hub created ahead of the app
	// because the app publishes into it.
	clock := clockwork.NewRealClock()

	repo, err := setupDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Services{Repo: repo}

	s.Sessions = session.New(cfg.Session, clock)
	s.Authenticator = auth.NewAuthenticator(cfg.Auth.JWTSecret, s.Sessions)

	hub := realtime.NewHub(realtime.DefaultConfig())
	broadcasters := timer.Broadcasters{hub}

	if cfg.Relay.Enabled {
		relayCfg := relayConfig(cfg.Relay)
		nc, err := realtime.ConnectNATS(relayCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.nc = nc
		s.Relay = realtime.NewRelay(nc, hub, relayCfg)
		if err := s.Relay.Start(); err != nil {
			s.Close()
			return nil, err
		}
		broadcasters = append(broadcasters, s.Relay)
	}

	s.TimerApp = timer.NewApp(repo, clock, broadcasters)
	s.Timer = timer.NewService(s.TimerApp)
	s.Realtime = realtime.NewService(hub, s.TimerApp, s.Authenticator, clock)
	return s, nil
}

// setupOfflineApp builds a timer app for one-shot commands. With the relay
// enabled its changes still reach the serving instances' sockets.
func setupOfflineApp(ctx context.Context, cfg *config.Config) (*timer.App, func(), error) {
	repo, err := setupDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	var broadcaster timer.Broadcaster
	var nc *nats.Conn
	if cfg.Relay.Enabled {
		relayCfg := relayConfig(cfg.Relay)
		relayCfg.MaxReconnects = 0
		nc, err = realtime.ConnectNATS(relayCfg)
		if err != nil {
			log.Warn().Err(err).Msg("relay unavailable, connected devices will not be notified")
		} else {
			broadcaster = realtime.NewRelay(nc, nil, relayCfg)
		}
	}

	cleanup := func() {
		if nc != nil {
			if err := nc.Drain(); err != nil {
				log.Error().Err(err).Msg("failed to drain NATS connection")
			}
		}
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
	return timer.NewApp(repo, clockwork.NewRealClock(), broadcaster), cleanup, nil
}

func relayConfig(c config.RelayConfig) realtime.RelayConfig {
	return realtime.RelayConfig{
		URL:           c.URL,
		SubjectPrefix: c.SubjectPrefix,
		MaxReconnects: c.MaxReconnects,
		ReconnectWait: c.ReconnectWait,
		InstanceID:    c.InstanceID,
	}
}

// Close releases everything setupServices opened.
func (s *Services) Close() {
	if s.Relay != nil {
		if err := s.Relay.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop relay")
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain NATS connection")
		}
	}
	if s.Sessions != nil {
		if err := s.Sessions.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close session registry")
		}
	}
	if s.Repo != nil {
		if err := s.Repo.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}
