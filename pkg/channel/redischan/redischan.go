// Package redischan carries channel slots over redis: the slot value lives in
// a key named after the channel and every register/update is announced on
// the pub/sub channel of the same name.
package redischan

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	// internal
	"github.com/Robogera/braggstream/pkg/channel"
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/wire"

	// external
	"github.com/redis/go-redis/v9"
)

const (
	structure_suffix = ":structure"
	delivery_buffer  = 1024
)

func StructureKey(name string) string { return name + structure_suffix }

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Can't reach redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

type Publisher struct {
	client *redis.Client

	mu         sync.Mutex
	registered map[string]bool
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, registered: make(map[string]bool)}
}

func (p *Publisher) Register(ctx context.Context, name string, rec *wire.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered[name] {
		return fmt.Errorf("%s: %w", name, channel.ERR_ALREADY_REGISTERED)
	}

	structure, err := wire.EncodeStructure(rec.Structure())
	if err != nil {
		return fmt.Errorf("Can't encode structure of %s: %w", name, err)
	}
	if err := p.client.Set(ctx, StructureKey(name), structure, 0).Err(); err != nil {
		return fmt.Errorf("Can't register %s: %w", name, err)
	}
	if err := p.put(ctx, name, rec); err != nil {
		return err
	}
	p.registered[name] = true
	return nil
}

func (p *Publisher) Update(ctx context.Context, name string, rec *wire.Record) error {
	p.mu.Lock()
	registered := p.registered[name]
	p.mu.Unlock()
	if !registered {
		return fmt.Errorf("%s: %w", name, channel.ERR_NOT_REGISTERED)
	}
	return p.put(ctx, name, rec)
}

func (p *Publisher) put(ctx context.Context, name string, rec *wire.Record) error {
	data, err := wire.Encode(rec)
	if err != nil {
		return fmt.Errorf("Can't encode record %d: %w", rec.UniqueID, err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, name, data, 0)
		pipe.Publish(ctx, name, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Can't publish record %d to %s: %w", rec.UniqueID, name, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

func readStructure(ctx context.Context, client *redis.Client, name string) (wire.Structure, error) {
	data, err := client.Get(ctx, StructureKey(name)).Bytes()
	if err == redis.Nil {
		return wire.Structure{}, fmt.Errorf("%s: %w", name, channel.ERR_NOT_REGISTERED)
	}
	if err != nil {
		return wire.Structure{}, err
	}
	return wire.DecodeStructure(data)
}

type Subscriber struct {
	client *redis.Client
	logger *slog.Logger
	failed chan error

	mu     sync.Mutex
	name   string
	cb     channel.Callback
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriber(client *redis.Client, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		logger: logger.With("coroutine", "monitor", "transport", "redis"),
		failed: make(chan error, 1),
	}
}

func (s *Subscriber) Subscribe(name string, cb channel.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb != nil {
		return channel.ERR_ALREADY_SUBSCRIBED
	}
	s.name, s.cb = name, cb
	return nil
}

func (s *Subscriber) StartMonitor(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return channel.ERR_NOT_SUBSCRIBED
	}
	if s.done != nil {
		return channel.ERR_MONITOR_RUNNING
	}

	pubsub := s.client.Subscribe(ctx, s.name)
	// wait for the subscription to be confirmed so no update is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("Can't subscribe to %s: %w", s.name, err)
	}

	structure, err := readStructure(ctx, s.client, s.name)
	switch {
	case errors.Is(err, channel.ERR_NOT_REGISTERED):
		s.logger.Info("Channel not registered yet", "channel", s.name)
	case err != nil:
		s.logger.Warn("Undecodable structure", "channel", s.name, "error", err)
	default:
		s.logger.Info("Channel structure", "channel", s.name,
			"descriptor", structure.Descriptor,
			"codec", structure.Codec.Name,
			"dimensions", structure.Dimension)
	}

	monitor_ctx, cancel := context.WithCancel(ctx)
	s.pubsub, s.cancel = pubsub, cancel
	s.done = make(chan struct{})
	go s.monitor(monitor_ctx, pubsub.Channel(redis.WithChannelSize(delivery_buffer)), s.cb, s.done)
	return nil
}

func (s *Subscriber) monitor(ctx context.Context, messages <-chan *redis.Message, cb channel.Callback, done chan<- struct{}) {
	defer close(done)
	s.logger.Debug("Started", "channel", s.name)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Cancelled by context", "channel", s.name)
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					s.logger.Debug("Cancelled by context", "channel", s.name)
					return
				}
				s.logger.Error("Subscription closed", "channel", s.name)
				select {
				case s.failed <- fmt.Errorf("%s: subscription closed: %w", s.name, channel.ERR_CONNECTION_LOST):
				default:
				}
				return
			}
			rec, err := wire.Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("Dropping undecodable update", "channel", s.name, "error", err)
				continue
			}
			cb(rec)
		}
	}
}

func (s *Subscriber) StopMonitor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return channel.ERR_MONITOR_STOPPED
	}
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	s.pubsub, s.cancel, s.done = nil, nil, nil
	return err
}

func (s *Subscriber) Done() <-chan error { return s.failed }

func (s *Subscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return channel.ERR_NOT_SUBSCRIBED
	}
	if s.done != nil {
		return channel.ERR_MONITOR_RUNNING
	}
	s.name, s.cb = "", nil
	return nil
}
