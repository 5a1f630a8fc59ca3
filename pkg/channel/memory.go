package channel

import (
	// stdlib
	"context"
	"fmt"
	"log/slog"
	"sync"

	// internal
	"github.com/Robogera/braggstream/pkg/fifo"
	"github.com/Robogera/braggstream/pkg/wire"

	// external
	"github.com/google/uuid"
)

// Hub is an in-process transport. Records are encoded on update and decoded
// on delivery so subscribers never share memory with the publisher, and
// every monitor has an unbounded queue of its own.
type Hub struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	registered bool
	structure  wire.Structure
	monitors   map[string]*fifo.Queue[[]byte]
}

func NewHub() *Hub {
	return &Hub{slots: make(map[string]*slot)}
}

func (h *Hub) slot(name string) *slot {
	s, ok := h.slots[name]
	if !ok {
		s = &slot{monitors: make(map[string]*fifo.Queue[[]byte])}
		h.slots[name] = s
	}
	return s
}

func (h *Hub) publish(ctx context.Context, name string, rec *wire.Record, register bool) error {
	data, err := wire.Encode(rec)
	if err != nil {
		return fmt.Errorf("Can't encode record %d: %w", rec.UniqueID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.slot(name)
	switch {
	case register && s.registered:
		return fmt.Errorf("%s: %w", name, ERR_ALREADY_REGISTERED)
	case !register && !s.registered:
		return fmt.Errorf("%s: %w", name, ERR_NOT_REGISTERED)
	}
	if register {
		s.registered = true
		s.structure = rec.Structure()
	}
	for _, q := range s.monitors {
		if err := q.Push(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// structure returns the layout of a registered slot.
func (h *Hub) structure(name string) (wire.Structure, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[name]
	if !ok || !s.registered {
		return wire.Structure{}, false
	}
	return s.structure, true
}

func (h *Hub) attach(name, id string, q *fifo.Queue[[]byte]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slot(name).monitors[id] = q
}

func (h *Hub) detach(name, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.slot(name).monitors, id)
}

func (h *Hub) Publisher() Publisher {
	return &hubPublisher{hub: h}
}

func (h *Hub) Subscriber(logger *slog.Logger) Subscriber {
	return &hubSubscriber{
		hub:    h,
		id:     uuid.NewString(),
		logger: logger.With("coroutine", "monitor", "transport", "memory"),
		failed: make(chan error, 1),
	}
}

type hubPublisher struct {
	hub *Hub
}

func (p *hubPublisher) Register(ctx context.Context, name string, rec *wire.Record) error {
	return p.hub.publish(ctx, name, rec, true)
}

func (p *hubPublisher) Update(ctx context.Context, name string, rec *wire.Record) error {
	return p.hub.publish(ctx, name, rec, false)
}

func (p *hubPublisher) Close() error { return nil }

type hubSubscriber struct {
	hub    *Hub
	id     string
	logger *slog.Logger
	// never written, a hub monitor only ends with its context
	failed chan error

	mu     sync.Mutex
	name   string
	cb     Callback
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *hubSubscriber) Subscribe(name string, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb != nil {
		return ERR_ALREADY_SUBSCRIBED
	}
	s.name, s.cb = name, cb
	return nil
}

func (s *hubSubscriber) StartMonitor(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return ERR_NOT_SUBSCRIBED
	}
	if s.done != nil {
		return ERR_MONITOR_RUNNING
	}

	if structure, ok := s.hub.structure(s.name); ok {
		s.logger.Info("Channel structure", "channel", s.name,
			"descriptor", structure.Descriptor,
			"codec", structure.Codec.Name,
			"dimensions", structure.Dimension)
	}

	q := fifo.New[[]byte](0)
	s.hub.attach(s.name, s.id, q)

	monitor_ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.monitor(monitor_ctx, q, s.cb, s.done)
	return nil
}

func (s *hubSubscriber) monitor(ctx context.Context, q *fifo.Queue[[]byte], cb Callback, done chan<- struct{}) {
	defer close(done)
	s.logger.Debug("Started", "channel", s.name)
	for {
		data, err := q.PopBlocking(ctx)
		if err != nil {
			s.logger.Debug("Cancelled by context", "channel", s.name)
			return
		}
		rec, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("Dropping undecodable update", "channel", s.name, "error", err)
		} else {
			cb(rec)
		}
		q.Done()
	}
}

func (s *hubSubscriber) StopMonitor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return ERR_MONITOR_STOPPED
	}
	s.hub.detach(s.name, s.id)
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	return nil
}

func (s *hubSubscriber) Done() <-chan error { return s.failed }

func (s *hubSubscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return ERR_NOT_SUBSCRIBED
	}
	if s.done != nil {
		return ERR_MONITOR_RUNNING
	}
	s.name, s.cb = "", nil
	return nil
}
