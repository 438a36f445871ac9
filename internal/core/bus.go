package core

import (
	"slices"
	"sync"
)

// Subscription is a scoped registration returned by Subscribe. Close is
// idempotent and, once it returns, the handler is never invoked again.
// Close must not be called from inside the handler itself.
type Subscription interface {
	Close()
}

type busItem[T any] struct {
	ev  T
	ack chan struct{}
}

type busHandler[T any] struct {
	id uint64
	fn func(T)
}

// Bus delivers published values to its subscribers on a single goroutine, in
// publish order.
type Bus[T any] struct {
	mu       sync.Mutex
	handlers []busHandler[T]
	nextID   uint64

	// held while handlers run, so Close on a subscription can wait them out
	deliver sync.Mutex

	queue chan busItem[T]
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewBus[T any](buffer int) *Bus[T] {
	b := &Bus[T]{
		queue: make(chan busItem[T], buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus[T]) run() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case it := <-b.queue:
			if it.ack != nil {
				close(it.ack)
				continue
			}
			b.dispatch(it.ev)
		}
	}
}

func (b *Bus[T]) dispatch(ev T) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	hs := slices.Clone(b.handlers)
	b.mu.Unlock()

	for _, h := range hs {
		if !b.registered(h.id) {
			continue
		}
		h.fn(ev)
	}
}

func (b *Bus[T]) registered(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.ContainsFunc(b.handlers, func(h busHandler[T]) bool { return h.id == id })
}

// Publish queues ev, blocking while the queue is full. It reports false once
// the bus is closed.
func (b *Bus[T]) Publish(ev T) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.queue <- busItem[T]{ev: ev}:
		return true
	case <-b.quit:
		return false
	}
}

// TryPublish queues ev without blocking and reports whether it was accepted.
func (b *Bus[T]) TryPublish(ev T) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.queue <- busItem[T]{ev: ev}:
		return true
	default:
		return false
	}
}

// Sync waits until everything published before the call has been delivered.
func (b *Bus[T]) Sync() bool {
	ack := make(chan struct{})
	select {
	case b.queue <- busItem[T]{ack: ack}:
	case <-b.quit:
		return false
	}
	select {
	case <-ack:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bus[T]) Subscribe(fn func(T)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, busHandler[T]{id: b.nextID, fn: fn})
	return &busSubscription[T]{bus: b, id: b.nextID}
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	b.handlers = slices.DeleteFunc(b.handlers, func(h busHandler[T]) bool { return h.id == id })
	b.mu.Unlock()

	// wait out a dispatch that may still be running the handler
	b.deliver.Lock()
	b.deliver.Unlock() //nolint:staticcheck
}

// Close stops the dispatcher. Values still queued are dropped.
// Must not be called from a handler.
func (b *Bus[T]) Close() {
	b.once.Do(func() { close(b.quit) })
	<-b.done
}

type busSubscription[T any] struct {
	bus  *Bus[T]
	id   uint64
	once sync.Once
}

func (s *busSubscription[T]) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}
