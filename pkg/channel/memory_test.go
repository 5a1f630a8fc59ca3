package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/wire"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func record(t *testing.T, id uint64) *wire.Record {
	t.Helper()
	f, err := frame.New(id, 2, 2, []uint16{1, 2, 3, uint16(id)})
	if err != nil {
		t.Fatal(err)
	}
	return wire.FromFrame(f, time.Now())
}

type collector struct {
	mu  sync.Mutex
	ids []uint64
}

func (c *collector) cb(rec *wire.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, rec.UniqueID)
}

func (c *collector) wait(t *testing.T, n int) []uint64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.ids) >= n {
			ids := append([]uint64(nil), c.ids...)
			c.mu.Unlock()
			return ids
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d deliveries", n)
	return nil
}

func TestHubRegisterUpdate(t *testing.T) {
	hub := NewHub()
	pub := hub.Publisher()
	ctx := context.Background()

	if err := pub.Update(ctx, "ch", record(t, 0)); !errors.Is(err, ERR_NOT_REGISTERED) {
		t.Fatalf("Expected ERR_NOT_REGISTERED, got %v", err)
	}
	if err := pub.Register(ctx, "ch", record(t, 0)); err != nil {
		t.Fatalf("Register: %s", err)
	}
	if err := pub.Register(ctx, "ch", record(t, 1)); !errors.Is(err, ERR_ALREADY_REGISTERED) {
		t.Fatalf("Expected ERR_ALREADY_REGISTERED, got %v", err)
	}
	if err := pub.Update(ctx, "ch", record(t, 1)); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if _, ok := hub.structure("nothing"); ok {
		t.Fatal("Unregistered slot has a structure")
	}
	structure, ok := hub.structure("ch")
	if !ok || len(structure.Dimension) != 2 {
		t.Fatalf("Expected a 2 dimensional structure, got %+v", structure)
	}
}

func TestHubLogsStructureOnMonitor(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	if err := hub.Publisher().Register(ctx, "ch", record(t, 0)); err != nil {
		t.Fatalf("Register: %s", err)
	}

	var logs strings.Builder
	sub := hub.Subscriber(slog.New(slog.NewTextHandler(&logs, nil)))
	sub.Subscribe("ch", func(*wire.Record) {})
	if err := sub.StartMonitor(ctx); err != nil {
		t.Fatalf("StartMonitor: %s", err)
	}
	if err := sub.StopMonitor(); err != nil {
		t.Fatalf("StopMonitor: %s", err)
	}
	if !strings.Contains(logs.String(), "Channel structure") {
		t.Fatalf("Structure not logged:\n%s", logs.String())
	}
	select {
	case err := <-sub.Done():
		t.Fatalf("Stopped monitor reported %v", err)
	default:
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub()
	pub := hub.Publisher()
	ctx := context.Background()

	c := new(collector)
	sub := hub.Subscriber(discard)
	if err := sub.Subscribe("ch", c.cb); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	if err := sub.StartMonitor(ctx); err != nil {
		t.Fatalf("StartMonitor: %s", err)
	}
	if err := sub.StartMonitor(ctx); !errors.Is(err, ERR_MONITOR_RUNNING) {
		t.Fatalf("Expected ERR_MONITOR_RUNNING, got %v", err)
	}

	pub.Register(ctx, "ch", record(t, 0))
	for id := uint64(1); id < 50; id++ {
		pub.Update(ctx, "ch", record(t, id))
	}

	ids := c.wait(t, 50)
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("Delivery %d carried id %d", i, id)
		}
	}

	if err := sub.Unsubscribe(); !errors.Is(err, ERR_MONITOR_RUNNING) {
		t.Fatalf("Expected ERR_MONITOR_RUNNING, got %v", err)
	}
	if err := sub.StopMonitor(); err != nil {
		t.Fatalf("StopMonitor: %s", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %s", err)
	}

	// no monitor attached anymore
	pub.Update(ctx, "ch", record(t, 50))
	time.Sleep(20 * time.Millisecond)
	if got := len(c.wait(t, 50)); got != 50 {
		t.Fatalf("Delivery after StopMonitor: %d records", got)
	}
}

func TestHubSubscriberErrors(t *testing.T) {
	sub := NewHub().Subscriber(discard)
	if err := sub.StartMonitor(context.Background()); !errors.Is(err, ERR_NOT_SUBSCRIBED) {
		t.Fatalf("Expected ERR_NOT_SUBSCRIBED, got %v", err)
	}
	if err := sub.StopMonitor(); !errors.Is(err, ERR_MONITOR_STOPPED) {
		t.Fatalf("Expected ERR_MONITOR_STOPPED, got %v", err)
	}
	if err := sub.Unsubscribe(); !errors.Is(err, ERR_NOT_SUBSCRIBED) {
		t.Fatalf("Expected ERR_NOT_SUBSCRIBED, got %v", err)
	}
	sub.Subscribe("ch", func(*wire.Record) {})
	if err := sub.Subscribe("ch", func(*wire.Record) {}); !errors.Is(err, ERR_ALREADY_SUBSCRIBED) {
		t.Fatalf("Expected ERR_ALREADY_SUBSCRIBED, got %v", err)
	}
}
