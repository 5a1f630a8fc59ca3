// Package backend opens the channel transport named in the config.
package backend

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"log/slog"

	// internal
	"github.com/Robogera/braggstream/pkg/channel"
	"github.com/Robogera/braggstream/pkg/channel/mqttchan"
	"github.com/Robogera/braggstream/pkg/channel/redischan"
	"github.com/Robogera/braggstream/pkg/config"
)

var (
	ERR_IN_PROCESS   = errors.New("Memory transport only connects goroutines of one process")
	ERR_UNKNOWN_KIND = errors.New("Unknown transport kind")
)

func Publisher(ctx context.Context, logger *slog.Logger, cfg *config.TransportConfig) (channel.Publisher, error) {
	switch cfg.Kind {
	case config.TransportKindMQTT:
		pub, err := mqttchan.NewPublisher(ctx, logger, &cfg.MQTT)
		if err != nil {
			return nil, err
		}
		return pub, nil
	case config.TransportKindRedis:
		client, err := redischan.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		return redischan.NewPublisher(client), nil
	case config.TransportKindMemory:
		return nil, ERR_IN_PROCESS
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Kind, ERR_UNKNOWN_KIND)
	}
}

// Subscriber returns the subscriber and a function releasing its connection.
func Subscriber(ctx context.Context, logger *slog.Logger, cfg *config.TransportConfig) (channel.Subscriber, func() error, error) {
	switch cfg.Kind {
	case config.TransportKindMQTT:
		return mqttchan.NewSubscriber(logger, &cfg.MQTT), func() error { return nil }, nil
	case config.TransportKindRedis:
		client, err := redischan.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return redischan.NewSubscriber(client, logger), client.Close, nil
	case config.TransportKindMemory:
		return nil, nil, ERR_IN_PROCESS
	default:
		return nil, nil, fmt.Errorf("%q: %w", cfg.Kind, ERR_UNKNOWN_KIND)
	}
}
