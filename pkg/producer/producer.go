// Package producer replays a frame store onto a channel at a fixed rate.
//
// Pacing and publishing are decoupled by a FIFO: the Producer only pushes
// frame ids on schedule, the Publisher drains them and does the transport I/O,
// so a slow publish never shifts the acquisition timeline.
package producer

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/channel"
	"github.com/Robogera/braggstream/pkg/fifo"
	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/indexed"
	"github.com/Robogera/braggstream/pkg/wire"
)

// Frames per second the simulated detector acquires at
const DAQ_FREQUENCY_HZ = 40

var (
	ERR_BAD_FREQUENCY = errors.New("Frequency must be positive")
)

// Item of the publish queue: a frame id stamped with its production time
type Tick = indexed.Indexed[struct{}]

type Producer struct {
	logger   *slog.Logger
	interval time.Duration
	queue    *fifo.Queue[Tick]
}

func NewProducer(parent_logger *slog.Logger, frequency_hz float64, queue *fifo.Queue[Tick]) (*Producer, error) {
	if frequency_hz <= 0 {
		return nil, fmt.Errorf("%v Hz: %w", frequency_hz, ERR_BAD_FREQUENCY)
	}
	return &Producer{
		logger:   parent_logger.With("coroutine", "producer"),
		interval: time.Duration(float64(time.Second) / frequency_hz),
		queue:    queue,
	}, nil
}

func (p *Producer) Interval() time.Duration { return p.interval }

// Run pushes ids 0..count-1, one per interval, the first after one interval.
// It returns once every pushed id has been published.
func (p *Producer) Run(ctx context.Context, count int) error {
	p.logger.Info("Started", "frames", count, "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for id := range uint64(max(count, 0)) {
		select {
		case <-ctx.Done():
			p.logger.Info("Cancelled by context", "produced", id)
			return context.Canceled
		case now := <-ticker.C:
			if err := p.queue.Push(ctx, indexed.NewIndexed(id, now, struct{}{})); err != nil {
				return fmt.Errorf("Can't queue frame %d error: %w", id, err)
			}
			p.logger.Info("Produced", "frame", id, "t", now.Format(time.RFC3339Nano))
		}
	}

	if err := p.queue.WaitUntilEmpty(ctx); err != nil {
		p.logger.Info("Cancelled by context while draining", "unpublished", p.queue.Unfinished())
		return err
	}
	p.logger.Info("Drained")
	return nil
}

type Publisher struct {
	logger  *slog.Logger
	store   *frame.Store
	queue   *fifo.Queue[Tick]
	channel channel.Publisher
	name    string

	registers atomic.Uint64
	updates   atomic.Uint64
}

func NewPublisher(
	parent_logger *slog.Logger,
	store *frame.Store,
	queue *fifo.Queue[Tick],
	ch channel.Publisher,
	name string,
) *Publisher {
	return &Publisher{
		logger:  parent_logger.With("coroutine", "publisher", "channel", name),
		store:   store,
		queue:   queue,
		channel: ch,
		name:    name,
	}
}

func (p *Publisher) Registers() uint64 { return p.registers.Load() }
func (p *Publisher) Updates() uint64   { return p.updates.Load() }

// Run publishes queued ids in order until the queue is closed and empty.
// The first record registers the channel, every later one updates it.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		tick, err := p.queue.PopBlocking(ctx)
		switch {
		case errors.Is(err, fifo.ERR_CLOSED):
			p.logger.Info("Queue closed", "registers", p.Registers(), "updates", p.Updates())
			return nil
		case err != nil:
			p.logger.Info("Cancelled by context")
			return context.Canceled
		}

		err = p.publish(ctx, tick)
		p.queue.Done()
		if err != nil {
			p.logger.Error("Publish failed", "frame", tick.Id(), "error", err)
			return err
		}
	}
}

func (p *Publisher) publish(ctx context.Context, tick Tick) error {
	f, err := p.store.At(tick.Id())
	if err != nil {
		return err
	}
	now := time.Now()
	rec := wire.FromFrame(f, now)

	if p.registers.Load() == 0 {
		if err := p.channel.Register(ctx, p.name, rec); err != nil {
			return fmt.Errorf("Can't register with frame %d error: %w", f.ID, err)
		}
		p.registers.Add(1)
	} else {
		if err := p.channel.Update(ctx, p.name, rec); err != nil {
			return fmt.Errorf("Can't update with frame %d error: %w", f.ID, err)
		}
		p.updates.Add(1)
	}

	p.logger.Info("Published",
		"frame", f.ID,
		"t", now.Format(time.RFC3339Nano),
		"queue_latency", tick.Age(now))
	return nil
}
