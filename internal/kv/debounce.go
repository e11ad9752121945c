package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// debounceInterval is how long Debouncer waits after the last Mark call
// before actually persisting, coalescing bursts of edits (e.g. a user
// dragging a brightness slider) into a single disk write.
const debounceInterval = 2 * time.Second

// Debouncer coalesces frequent writes to a single namespace/key into one
// persisted write once debounceInterval passes without a new Mark, trading
// a small durability window for write-amplification safety on flash-backed
// storage.
type Debouncer struct {
	store     *Store
	namespace string
	key       string

	mu      sync.Mutex
	pending []byte
	timer   *time.Timer
}

// NewDebouncer creates a debounced writer for one namespace/key.
func NewDebouncer(store *Store, namespace, key string) *Debouncer {
	return &Debouncer{store: store, namespace: namespace, key: key}
}

// Mark schedules value to be persisted after debounceInterval of quiet. A
// call during the quiet window replaces the pending value and restarts the
// timer, so only the final value in a burst is ever written.
func (d *Debouncer) Mark(value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = value
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(debounceInterval, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	value := d.pending
	d.mu.Unlock()

	if err := d.store.Put(context.Background(), d.namespace, d.key, value); err != nil {
		slog.Error("debounced kv write failed", "namespace", d.namespace, "key", d.key, "err", err)
	}
}

// Flush forces any pending value to be written immediately, for use during
// graceful shutdown.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.flush()
}
