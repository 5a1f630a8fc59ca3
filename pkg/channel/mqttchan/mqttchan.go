// Package mqttchan carries channel slots over an MQTT broker. Register
// publishes the slot structure on "<channel>/structure", every value goes to
// "<channel>". Both are retained so the broker always holds the latest record.
package mqttchan

import (
	// stdlib
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/channel"
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/wire"

	// external
	"github.com/google/uuid"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	structure_suffix = "/structure"
	ping_period      = 20 * time.Second
	header_buffer    = 2048
)

var (
	ERR_NOT_CONNECTED = errors.New("MQTT client not connected")
)

func StructureTopic(name string) string { return name + structure_suffix }

func dial(
	ctx context.Context,
	cfg *config.MQTTConfig,
	client_prefix string,
	on_pub func(mqtt.Header, mqtt.VariablesPublish, io.Reader) error,
) (*mqtt.Client, error) {
	client := mqtt.NewClient(
		mqtt.ClientConfig{
			Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, header_buffer)},
			OnPub:   on_pub,
		})

	connection_ctx, cancel := context.WithTimeout(ctx, time.Second*time.Duration(max(cfg.ConnectTimeoutSec, 1)))
	defer cancel()

	var dialer net.Dialer
	connection, err := dialer.DialContext(connection_ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("Can't reach broker at %s: %w", cfg.Address, err)
	}

	vars := new(mqtt.VariablesConnect)
	vars.SetDefaultMQTT([]byte(client_prefix + "-" + uuid.NewString()[:8]))
	if cfg.Username != "" {
		vars.Username = []byte(cfg.Username)
		vars.Password = []byte(cfg.Password)
	}
	if err := client.Connect(connection_ctx, connection, vars); err != nil {
		connection.Close()
		return nil, fmt.Errorf("Can't connect to broker at %s: %w", cfg.Address, err)
	}
	return client, nil
}

type Publisher struct {
	client *mqtt.Client
	flags  mqtt.PacketFlags
	logger *slog.Logger
	done   chan struct{}

	mu         sync.Mutex
	registered map[string]bool
}

func NewPublisher(ctx context.Context, logger *slog.Logger, cfg *config.MQTTConfig) (*Publisher, error) {
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, true)
	if err != nil {
		return nil, err
	}
	client, err := dial(ctx, cfg, "daqsim", nil)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		client:     client,
		flags:      flags,
		logger:     logger.With("coroutine", "mqttpublisher"),
		done:       make(chan struct{}),
		registered: make(map[string]bool),
	}
	// the broker only ever answers pings here, keep reading so they are consumed
	go func() {
		defer close(p.done)
		for client.IsConnected() {
			if err := client.HandleNext(); err != nil {
				p.logger.Debug("Receive loop stopped", "error", err)
				return
			}
		}
	}()
	p.logger.Info("Connected", "address", cfg.Address)
	return p, nil
}

func (p *Publisher) publish(topic string, data []byte) error {
	if !p.client.IsConnected() {
		return ERR_NOT_CONNECTED
	}
	return p.client.PublishPayload(p.flags, mqtt.VariablesPublish{TopicName: []byte(topic)}, data)
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
	if err := p.publish(StructureTopic(name), structure); err != nil {
		return fmt.Errorf("Can't register %s: %w", name, err)
	}
	if err := p.put(name, rec); err != nil {
		return err
	}
	p.registered[name] = true
	return nil
}

func (p *Publisher) Update(ctx context.Context, name string, rec *wire.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.registered[name] {
		return fmt.Errorf("%s: %w", name, channel.ERR_NOT_REGISTERED)
	}
	return p.put(name, rec)
}

func (p *Publisher) put(name string, rec *wire.Record) error {
	data, err := wire.Encode(rec)
	if err != nil {
		return fmt.Errorf("Can't encode record %d: %w", rec.UniqueID, err)
	}
	if err := p.publish(name, data); err != nil {
		return fmt.Errorf("Can't publish record %d to %s: %w", rec.UniqueID, name, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	err := p.client.Disconnect(errors.New("publisher closed"))
	<-p.done
	return err
}

type Subscriber struct {
	cfg    *config.MQTTConfig
	logger *slog.Logger
	failed chan error

	mu     sync.Mutex
	name   string
	cb     channel.Callback
	client *mqtt.Client
	cancel context.CancelFunc
	done   chan struct{}

	// touched by the delivery goroutine only
	buf bytes.Buffer
}

func NewSubscriber(logger *slog.Logger, cfg *config.MQTTConfig) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		logger: logger.With("coroutine", "monitor", "transport", "mqtt"),
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

func (s *Subscriber) onPub(name string, cb channel.Callback) func(mqtt.Header, mqtt.VariablesPublish, io.Reader) error {
	structure_topic := StructureTopic(name)
	return func(pub_head mqtt.Header, var_pub mqtt.VariablesPublish, r io.Reader) error {
		s.buf.Reset()
		if _, err := s.buf.ReadFrom(r); err != nil {
			return err
		}
		switch string(var_pub.TopicName) {
		case name:
			rec, err := wire.Decode(s.buf.Bytes())
			if err != nil {
				s.logger.Warn("Dropping undecodable update", "channel", name, "header", pub_head.String(), "error", err)
				return nil
			}
			cb(rec)
		case structure_topic:
			structure, err := wire.DecodeStructure(s.buf.Bytes())
			if err != nil {
				s.logger.Warn("Undecodable structure", "channel", name, "error", err)
				return nil
			}
			s.logger.Info("Channel structure", "channel", name,
				"descriptor", structure.Descriptor,
				"codec", structure.Codec.Name,
				"dimensions", structure.Dimension)
		default:
			s.logger.Debug("Ignoring topic", "topic", string(var_pub.TopicName))
		}
		return nil
	}
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
	if s.cfg.BufferSize > 0 {
		s.buf.Grow(int(s.cfg.BufferSize))
	}

	client, err := dial(ctx, s.cfg, "edge", s.onPub(s.name, s.cb))
	if err != nil {
		return err
	}

	subscribe_ctx, cancel_subscribe := context.WithTimeout(ctx, time.Second*time.Duration(max(s.cfg.ConnectTimeoutSec, 1)))
	defer cancel_subscribe()
	err = client.Subscribe(subscribe_ctx, mqtt.VariablesSubscribe{
		PacketIdentifier: 1,
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: []byte(StructureTopic(s.name)), QoS: mqtt.QoS0},
			{TopicFilter: []byte(s.name), QoS: mqtt.QoS0},
		},
	})
	if err != nil {
		client.Disconnect(err)
		return fmt.Errorf("Can't subscribe to %s: %w", s.name, err)
	}

	monitor_ctx, cancel := context.WithCancel(ctx)
	s.client, s.cancel = client, cancel
	s.done = make(chan struct{})
	go s.monitor(monitor_ctx, client, s.done)
	return nil
}

func (s *Subscriber) monitor(ctx context.Context, client *mqtt.Client, done chan<- struct{}) {
	defer close(done)
	logger := s.logger.With("channel", s.name)
	logger.Debug("Started")

	ping_ctx, stop_ping := context.WithCancel(ctx)
	defer stop_ping()
	go func() {
		ticker := time.NewTicker(ping_period)
		defer ticker.Stop()
		for {
			select {
			case <-ping_ctx.Done():
				// unblocks HandleNext below, a no-op once the connection is gone
				client.Disconnect(context.Canceled)
				return
			case <-ticker.C:
				if err := client.StartPing(); err != nil {
					logger.Warn("Ping failed", "error", err)
				}
			}
		}
	}()

	for {
		err := client.HandleNext()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			logger.Debug("Cancelled by context")
			return
		}
		logger.Error("Connection lost", "error", err)
		select {
		case s.failed <- fmt.Errorf("%s: %w: %w", s.name, channel.ERR_CONNECTION_LOST, err):
		default:
		}
		return
	}
}

func (s *Subscriber) StopMonitor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return channel.ERR_MONITOR_STOPPED
	}
	s.cancel()
	<-s.done
	s.client, s.cancel, s.done = nil, nil, nil
	return nil
}

func (s *Subscriber) Done() <-chan error { return s.failed }

// Unsubscribe forgets the callback. The broker drops the subscription
// together with the clean session when the monitor disconnects.
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
