package redischan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Robogera/braggstream/pkg/channel"
	"github.com/Robogera/braggstream/pkg/config"
	"github.com/Robogera/braggstream/pkg/frame"
	"github.com/Robogera/braggstream/pkg/wire"

	"github.com/alicebob/miniredis/v2"
)

func record(t *testing.T, id uint64) *wire.Record {
	t.Helper()
	f, err := frame.New(id, 2, 3, []uint16{1, 2, 3, 4, 5, uint16(id)})
	if err != nil {
		t.Fatal(err)
	}
	return wire.FromFrame(f, time.Now())
}

func connect(t *testing.T) (*miniredis.Miniredis, *config.RedisConfig) {
	t.Helper()
	s := miniredis.RunT(t)
	return s, &config.RedisConfig{Address: s.Addr()}
}

func TestPublishSubscribe(t *testing.T) {
	server, cfg := connect(t)
	ctx := context.Background()

	pub_client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	sub_client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	defer sub_client.Close()

	var mu sync.Mutex
	var got []uint64
	sub := NewSubscriber(sub_client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub.Subscribe(config.DefaultChannel, func(rec *wire.Record) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, rec.UniqueID)
	})
	if err := sub.StartMonitor(ctx); err != nil {
		t.Fatalf("StartMonitor: %s", err)
	}

	pub := NewPublisher(pub_client)
	defer pub.Close()
	if err := pub.Update(ctx, config.DefaultChannel, record(t, 0)); !errors.Is(err, channel.ERR_NOT_REGISTERED) {
		t.Fatalf("Expected ERR_NOT_REGISTERED, got %v", err)
	}
	if err := pub.Register(ctx, config.DefaultChannel, record(t, 0)); err != nil {
		t.Fatalf("Register: %s", err)
	}
	for id := uint64(1); id < 5; id++ {
		if err := pub.Update(ctx, config.DefaultChannel, record(t, id)); err != nil {
			t.Fatalf("Update %d: %s", id, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Only %d of 5 updates delivered", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	for i, id := range got {
		if id != uint64(i) {
			t.Fatalf("Delivery %d carried id %d", i, id)
		}
	}
	mu.Unlock()

	if !server.Exists(StructureKey(config.DefaultChannel)) {
		t.Fatal("Structure key was not written on register")
	}
	structure, err := readStructure(ctx, pub_client, config.DefaultChannel)
	if err != nil {
		t.Fatalf("readStructure: %s", err)
	}
	if len(structure.Dimension) != 2 {
		t.Fatalf("Expected a 2 dimensional structure, got %+v", structure)
	}

	if err := sub.StopMonitor(); err != nil {
		t.Fatalf("StopMonitor: %s", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %s", err)
	}
}

func TestStructureUnregistered(t *testing.T) {
	_, cfg := connect(t)
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	defer client.Close()
	if _, err := readStructure(context.Background(), client, "nothing"); !errors.Is(err, channel.ERR_NOT_REGISTERED) {
		t.Fatalf("Expected ERR_NOT_REGISTERED, got %v", err)
	}
}

func TestClosedSubscriptionIsReported(t *testing.T) {
	_, cfg := connect(t)
	ctx := context.Background()
	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	defer client.Close()

	sub := NewSubscriber(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub.Subscribe(config.DefaultChannel, func(*wire.Record) {})
	if err := sub.StartMonitor(ctx); err != nil {
		t.Fatalf("StartMonitor: %s", err)
	}
	// closed underneath the monitor, not through StopMonitor
	sub.pubsub.Close()

	select {
	case err := <-sub.Done():
		if !errors.Is(err, channel.ERR_CONNECTION_LOST) {
			t.Fatalf("Expected ERR_CONNECTION_LOST, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Closed subscription not reported")
	}
	sub.StopMonitor()
}

func TestUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewClient(ctx, &config.RedisConfig{Address: "127.0.0.1:1"}); err == nil {
		t.Fatal("Expected connection error")
	}
}
