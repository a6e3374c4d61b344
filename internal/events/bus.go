package events

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one published payload.
type Handler func(payload any)

// Bus is a synchronous publish/subscribe table keyed by event name. Handlers run
// on the publishing goroutine; a panicking handler is logged and does not stop
// delivery to the rest.
type Bus struct {
	log *zap.Logger

	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]Handler
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, subs: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for event and returns a function that removes it.
func (b *Bus) Subscribe(event string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]Handler)
	}
	b.subs[event][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[event], id)
			if len(b.subs[event]) == 0 {
				delete(b.subs, event)
			}
		})
	}
}

// Publish delivers payload to every handler of event in subscription order and
// returns the number of handlers that failed.
func (b *Bus) Publish(event string, payload any) int {
	handlers := b.handlers(event)
	failed := 0
	for _, h := range handlers {
		if err := b.dispatch(h, payload); err != nil {
			failed++
			b.log.Error("event handler failed", zap.String("event", event), zap.Error(err))
		}
	}
	return failed
}

func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

func (b *Bus) handlers(event string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subs[event]
	if len(subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

func (b *Bus) dispatch(h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	h(payload)
	return nil
}
