// Package channel abstracts the named-slot pub/sub transport frames travel
// over. A channel is one slot: the publisher allocates it once with Register
// and replaces its value with Update, subscribers get every update through a
// monitor callback.
package channel

import (
	"context"
	"errors"

	"github.com/Robogera/braggstream/pkg/wire"
)

var (
	ERR_NOT_REGISTERED     = errors.New("Channel not registered")
	ERR_ALREADY_REGISTERED = errors.New("Channel already registered")
	ERR_NOT_SUBSCRIBED     = errors.New("Not subscribed")
	ERR_ALREADY_SUBSCRIBED = errors.New("Already subscribed")
	ERR_MONITOR_RUNNING    = errors.New("Monitor already running")
	ERR_MONITOR_STOPPED    = errors.New("Monitor not running")
	ERR_CONNECTION_LOST    = errors.New("Connection lost")
)

// Callback is invoked once per delivered update, one call at a time, in the
// order the transport delivers them. The record must not be retained.
type Callback func(rec *wire.Record)

type Publisher interface {
	// Register allocates the slot and publishes its first value.
	Register(ctx context.Context, name string, rec *wire.Record) error
	// Update replaces the value of a registered slot.
	Update(ctx context.Context, name string, rec *wire.Record) error
	Close() error
}

type Subscriber interface {
	Subscribe(name string, cb Callback) error
	// StartMonitor begins delivering updates to the callback in the background.
	StartMonitor(ctx context.Context) error
	// StopMonitor stops delivery and waits for the callback to return.
	StopMonitor() error
	// Done receives the error that ended a monitor on its own. Nothing is
	// sent when the monitor is stopped by StopMonitor or its context.
	Done() <-chan error
	Unsubscribe() error
}
