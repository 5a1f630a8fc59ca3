// Package edge is the consumer side: it receives frames from the channel,
// tracks their sequence ids and queues them for analysis.
package edge

import (
	// stdlib
	"context"
	"fmt"
	"log/slog"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/channel"
	"github.com/Robogera/braggstream/pkg/fifo"
	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/gring"
	"github.com/Robogera/braggstream/pkg/indexed"
	"github.com/Robogera/braggstream/pkg/wire"
)

// A received frame tagged with its sequence id and arrival time
type Received = indexed.Indexed[*frame.Frame]

type Subscriber struct {
	logger   *slog.Logger
	counters *Counters
	queue    *fifo.Queue[Received]

	// touched by the delivery goroutine only
	ctx    context.Context
	recent *gring.Ring[uint64]
}

func NewSubscriber(
	parent_logger *slog.Logger,
	counters *Counters,
	queue *fifo.Queue[Received],
	dedup_window uint,
) *Subscriber {
	return &Subscriber{
		logger:   parent_logger.With("coroutine", "subscriber"),
		counters: counters,
		queue:    queue,
		ctx:      context.Background(),
		recent:   gring.NewRing[uint64](dedup_window),
	}
}

// Monitor is the channel callback. It never blocks unless the analysis
// queue is bounded and full.
func (s *Subscriber) Monitor(rec *wire.Record) {
	now := time.Now()
	f, err := rec.Frame()
	if err != nil {
		s.logger.Warn("Skipping malformed record", "frame", rec.UniqueID, "error", err)
		return
	}
	id := f.ID

	if s.counters.SetBase(id) {
		s.logger.Info("Base sequence id", "frame", id)
	}
	s.checkSequence(id)

	if err := s.queue.Push(s.ctx, indexed.NewIndexed(id, now, f)); err != nil {
		s.logger.Warn("Frame not queued", "frame", id, "received", s.counters.Received.Load(), "error", err)
		return
	}
	received := s.counters.Received.Add(1)

	expected := s.counters.Expected(id)
	s.logger.Info("Received",
		"frame", id,
		"received", received,
		"expected", expected,
		"consistent", int64(received) == expected)
}

func (s *Subscriber) checkSequence(id uint64) {
	defer s.recent.Push(id)

	if s.recent.Contains(id) {
		s.counters.Duplicates.Add(1)
		s.logger.Warn("Duplicate frame", "frame", id)
		return
	}
	previous, ok := s.recent.Newest()
	switch {
	case !ok:
	case id > previous+1:
		missing := id - previous - 1
		s.counters.Gaps.Add(missing)
		s.logger.Warn("Gap in sequence", "frame", id, "previous", previous, "missing", missing)
	case id < previous:
		s.logger.Warn("Out of order frame", "frame", id, "previous", previous)
	}
}

// Run monitors name on sub until ctx is done or the monitor fails.
func (s *Subscriber) Run(ctx context.Context, sub channel.Subscriber, name string) error {
	logger := s.logger.With("channel", name)
	s.ctx = ctx

	if err := sub.Subscribe(name, s.Monitor); err != nil {
		return fmt.Errorf("Can't subscribe to %s error: %w", name, err)
	}
	if err := sub.StartMonitor(ctx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("Can't monitor %s error: %w", name, err)
	}
	logger.Info("Monitoring")

	var monitor_err error
	select {
	case <-ctx.Done():
	case monitor_err = <-sub.Done():
	}

	if err := sub.StopMonitor(); err != nil {
		logger.Warn("Can't stop monitor", "error", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("Can't unsubscribe", "error", err)
	}
	base, _ := s.counters.BaseSequenceID()
	summary := []any{
		"received", s.counters.Received.Load(),
		"base", base,
		"duplicates", s.counters.Duplicates.Load(),
		"gaps", s.counters.Gaps.Load(),
	}
	if monitor_err != nil {
		logger.Error("Monitor failed", append(summary, "error", monitor_err)...)
		return fmt.Errorf("Monitor of %s failed error: %w", name, monitor_err)
	}
	logger.Info("Cancelled by context", summary...)
	return context.Canceled
}
