package event

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"time"

	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

const defaultSubscriberBufferSize = 128

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// EvictAfter makes Publish wait up to this long on a full subscriber and
	// then evict it. Zero drops the event for that subscriber instead.
	EvictAfter     time.Duration
	MaxSubscribers int
	Registry       *metrics.Registry
	Logger         *logging.Logger
}

// Bus is an in-process fan-out with no history: a subscriber only sees
// events published after it subscribed. Per subscriber, events arrive in
// publish order.
type Bus[T any] struct {
	name     string
	options  BusOptions
	registry *metrics.Registry
	logger   *logging.Logger

	mu          sync.Mutex
	subscribers map[*subscriber[T]]struct{}
	closed      bool
	closeOnce   sync.Once
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		name:        opts.Name,
		options:     opts,
		registry:    opts.Registry,
		logger:      opts.Logger,
		subscribers: make(map[*subscriber[T]]struct{}),
	}
	if bus.name == "" {
		bus.name = "event_bus"
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if bus.logger == nil {
		bus.logger = logging.Discard()
	}
	if ctx != nil && ctx.Done() != nil {
		context.AfterFunc(ctx, bus.Close)
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeTypes only delivers events whose Type() is listed. No types, or
// only empty ones, means every event.
func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	wanted := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType != "" {
			wanted[eventType] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return b.Subscribe()
	}
	return b.SubscribeFiltered(func(event T) bool {
		typed, ok := any(event).(typedEvent)
		if !ok {
			return false
		}
		_, match := wanted[typed.Type()]
		return match
	})
}

// SubscribeFiltered registers a subscriber. On a closed or full bus the
// returned channel is already closed.
func (b *Bus[T]) SubscribeFiltered(accept func(T) bool) (<-chan T, func()) {
	if b == nil {
		return closedChannel[T](), func() {}
	}
	sub := &subscriber[T]{
		ch:     make(chan T, b.options.SubscriberBufferSize),
		accept: accept,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	full := b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers
	if b.closed || full {
		b.mu.Unlock()
		return closedChannel[T](), func() {}
	}
	b.subscribers[sub] = struct{}{}
	filtered, unfiltered := b.countLocked()
	b.mu.Unlock()

	b.registry.SetEventSubscriberCounts(b.name, filtered, unfiltered)
	return sub.ch, func() { b.remove(sub) }
}

// Publish delivers event to the subscribers registered when it was called.
// Nil pointer-like events are ignored.
func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber[T], 0, len(b.subscribers))
	for sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	eventType := typeOf(event)
	b.registry.IncEventPublished(b.name, eventType)

	for _, sub := range targets {
		if !b.accepts(sub, event) {
			continue
		}
		if sub.deliver(event, b.options.EvictAfter) != sendFull {
			continue
		}
		b.registry.IncEventDropped(b.name, eventType)
		if b.options.EvictAfter > 0 {
			b.remove(sub)
			b.logger.Warn("event bus subscriber evicted", map[string]string{
				"bus":    b.name,
				"type":   eventType,
				"waited": b.options.EvictAfter.String(),
				"buffer": strconv.Itoa(cap(sub.ch)),
			})
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[*subscriber[T]]struct{})
		b.mu.Unlock()

		for sub := range subscribers {
			sub.stop()
		}
		b.registry.SetEventSubscriberCounts(b.name, 0, 0)
	})
}

func (b *Bus[T]) Closed() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) remove(sub *subscriber[T]) {
	b.mu.Lock()
	_, present := b.subscribers[sub]
	delete(b.subscribers, sub)
	filtered, unfiltered := b.countLocked()
	b.mu.Unlock()

	sub.stop()
	if present {
		b.registry.SetEventSubscriberCounts(b.name, filtered, unfiltered)
	}
}

// accepts evicts a subscriber whose filter panics.
func (b *Bus[T]) accepts(sub *subscriber[T], event T) (ok bool) {
	if sub.accept == nil {
		return true
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event bus subscriber filter panicked", map[string]string{"bus": b.name})
			b.remove(sub)
			ok = false
		}
	}()
	return sub.accept(event)
}

func (b *Bus[T]) countLocked() (filtered, unfiltered int) {
	for sub := range b.subscribers {
		if sub.accept == nil {
			unfiltered++
		} else {
			filtered++
		}
	}
	return filtered, unfiltered
}

type sendResult int

const (
	sendDelivered sendResult = iota
	sendStopped
	sendFull
)

type subscriber[T any] struct {
	ch     chan T
	accept func(T) bool

	// sendMu is held for a whole delivery so stop never closes ch mid-send.
	sendMu   sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber[T]) deliver(event T, wait time.Duration) sendResult {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return sendStopped
	case s.ch <- event:
		return sendDelivered
	default:
	}
	if wait <= 0 {
		return sendFull
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- event:
		return sendDelivered
	case <-s.done:
		return sendStopped
	case <-timer.C:
		return sendFull
	}
}

// stop wakes a blocked delivery before taking sendMu to close ch.
func (s *subscriber[T]) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

type typedEvent interface {
	Type() string
}

func typeOf(event any) string {
	if typed, ok := event.(typedEvent); ok && typed.Type() != "" {
		return typed.Type()
	}
	return "unknown"
}

func closedChannel[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
