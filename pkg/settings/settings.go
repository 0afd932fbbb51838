// Package settings persists boolean device settings and notifies observers
// when a stored value changes.
package settings

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// KeyBroadcast is the persisted broadcast flag.
const KeyBroadcast = "broadcast"

// Store is a persisted boolean setting store.
type Store interface {
	// Get returns the stored value, or def when the key was never written.
	Get(ctx context.Context, key string, def bool) (bool, error)
	// Set persists v. Observers learn about the change asynchronously.
	Set(ctx context.Context, key string, v bool) error
	// Observe registers fn for changes to key.
	Observe(key string, fn func(bool)) (cancel func())
}

type change struct {
	key   string
	value bool
}

type observer struct {
	id  string
	key string
	fn  func(bool)
}

// observers delivers changes in write order from one goroutine, so a
// writer never runs observer code on its own stack.
type observers struct {
	mu      sync.Mutex
	subs    []observer
	pending []change
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newObservers() *observers {
	o := &observers{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *observers) observe(key string, fn func(bool)) (cancel func()) {
	id := uuid.New().String()

	o.mu.Lock()
	o.subs = append(o.subs, observer{id: id, key: key, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

func (o *observers) notify(key string, v bool) {
	o.mu.Lock()
	o.pending = append(o.pending, change{key: key, value: v})
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observers) run() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if len(o.pending) == 0 {
				o.mu.Unlock()
				break
			}
			c := o.pending[0]
			o.pending = o.pending[1:]
			var fns []func(bool)
			for _, s := range o.subs {
				if s.key == c.key {
					fns = append(fns, s.fn)
				}
			}
			o.mu.Unlock()

			for _, fn := range fns {
				fn(c.value)
			}
		}
	}
}

func (o *observers) close() {
	o.once.Do(func() { close(o.done) })
}

// MemoryStore keeps settings in memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]bool
	obs    *observers
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]bool), obs: newObservers()}
}

func (m *MemoryStore) Get(ctx context.Context, key string, def bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, v bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	old, existed := m.values[key]
	m.values[key] = v
	m.mu.Unlock()

	if !existed || old != v {
		m.obs.notify(key, v)
	}
	return nil
}

func (m *MemoryStore) Observe(key string, fn func(bool)) (cancel func()) {
	return m.obs.observe(key, fn)
}

// Close stops change delivery.
func (m *MemoryStore) Close() error {
	m.obs.close()
	return nil
}
