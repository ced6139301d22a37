package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type pinger interface {
	Ping(context.Context) error
}

type runner interface {
	Run(context.Context) error
}

type ServiceParams struct {
	Config               *config.Config
	Logger               *logger.Logger
	Redis                pinger
	PubSub               pinger
	NotificationConsumer runner
}

// Service hosts the background consumers fed by the outbox publisher.
type Service struct {
	cfg                  *config.Config
	logg                 *logger.Logger
	redis                pinger
	pubsub               pinger
	notificationConsumer runner
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.NotificationConsumer == nil {
		return nil, errors.New("notification consumer is required")
	}

	return &Service{
		cfg:                  params.Config,
		logg:                 params.Logger,
		redis:                params.Redis,
		pubsub:               params.PubSub,
		notificationConsumer: params.NotificationConsumer,
	}, nil
}

// ensureReadiness fails fast when a dependency the consumer needs is down.
func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range []struct {
		name string
		p    pinger
	}{
		{"redis", s.redis},
		{"pubsub", s.pubsub},
	} {
		if err := dep.p.Ping(ctx); err != nil {
			s.logg.Error(s.logg.WithField(ctx, "dependency", dep.name), "dependency ping failed", err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}
	s.logg.Info(ctx, "worker dependencies ready")
	return nil
}

// Run blocks until ctx is cancelled or the consumer exits.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	err := s.notificationConsumer.Run(ctx)
	switch {
	case ctx.Err() != nil:
		s.logg.Info(ctx, "worker stopping")
		return ctx.Err()
	case err != nil:
		s.logg.Error(ctx, "consumer stopped unexpectedly", err)
	}
	return err
}
