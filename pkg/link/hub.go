package link

import (
	"sync"

	"github.com/google/uuid"
)

// hub fans events out to subscribers from a single goroutine. emit never
// blocks: events queue without bound until delivered.
type hub struct {
	mu      sync.Mutex
	subs    map[string]func(Event)
	order   []string
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newHub() *hub {
	h := &hub{
		subs: make(map[string]func(Event)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) Subscribe(fn func(Event)) (cancel func()) {
	id := uuid.New().String()

	h.mu.Lock()
	h.subs[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
		for i, v := range h.order {
			if v == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
}

func (h *hub) emit(e Event) {
	h.mu.Lock()
	h.pending = append(h.pending, e)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}

		for {
			h.mu.Lock()
			if len(h.pending) == 0 {
				h.mu.Unlock()
				break
			}
			e := h.pending[0]
			h.pending = h.pending[1:]
			fns := make([]func(Event), 0, len(h.order))
			for _, id := range h.order {
				fns = append(fns, h.subs[id])
			}
			h.mu.Unlock()

			for _, fn := range fns {
				fn(e)
			}
		}
	}
}

func (h *hub) close() {
	h.once.Do(func() {
		close(h.done)
	})
}
