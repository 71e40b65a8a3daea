package hub

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"vaulthost/internal/event"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

var (
	ErrVaultNotOpen = errors.New("vault not open")
	ErrClosed       = errors.New("hub closed")
)

const (
	defaultSubscriberBuffer = 64
	defaultWriteTimeout     = 5 * time.Second
)

type Options struct {
	SubscriberBufferSize int
	// WriteTimeout bounds how long a publish waits on one full subscriber
	// before evicting it.
	WriteTimeout time.Duration
	Registry     *metrics.Registry
	Logger       *logging.Logger
}

// Hub owns one topic per open vault. Publishing to a vault only touches that
// vault's subscribers, and a channel holds at most one subscription.
type Hub struct {
	mu       sync.Mutex
	topics   map[string]*event.Bus[Notification]
	channels map[string]*Subscription
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	options  Options
	logger   *logging.Logger
}

func New(ctx context.Context, options Options) *Hub {
	if ctx == nil {
		ctx = context.Background()
	}
	if options.SubscriberBufferSize <= 0 {
		options.SubscriberBufferSize = defaultSubscriberBuffer
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaultWriteTimeout
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	derived, cancel := context.WithCancel(ctx)
	hub := &Hub{
		topics:   make(map[string]*event.Bus[Notification]),
		channels: make(map[string]*Subscription),
		ctx:      derived,
		cancel:   cancel,
		options:  options,
		logger:   logger.Component("hub"),
	}
	go func() {
		<-derived.Done()
		hub.Close()
	}()
	return hub
}

// Open creates the topic for vaultID. Opening an open vault is a no-op.
func (h *Hub) Open(vaultID string) error {
	if h == nil {
		return ErrClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.topics[vaultID]; ok {
		return nil
	}
	h.topics[vaultID] = event.NewBus[Notification](h.ctx, event.BusOptions{
		Name:                 busName(vaultID),
		SubscriberBufferSize: h.options.SubscriberBufferSize,
		EvictAfter:           h.options.WriteTimeout,
		Registry:             h.options.Registry,
		Logger:               h.logger,
	})
	return nil
}

// Subscribe attaches channelID to vaultID. Any subscription the channel held
// before, on this or another vault, is closed first. An empty types list
// receives every notification.
func (h *Hub) Subscribe(vaultID, channelID string, types ...string) (*Subscription, error) {
	if h == nil {
		return nil, ErrClosed
	}
	h.mu.Lock()
	previous := h.channels[channelID]
	delete(h.channels, channelID)
	h.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	bus, ok := h.topics[vaultID]
	if !ok {
		return nil, ErrVaultNotOpen
	}
	events, cancel := bus.SubscribeTypes(types...)
	subscription := &Subscription{
		VaultID:   vaultID,
		ChannelID: channelID,
		events:    events,
		cancel:    cancel,
		hub:       h,
	}
	h.channels[channelID] = subscription
	return subscription, nil
}

// Publish fans notification out to vaultID's subscribers only.
func (h *Hub) Publish(vaultID string, notification Notification) error {
	if h == nil {
		return ErrClosed
	}
	h.mu.Lock()
	bus, ok := h.topics[vaultID]
	h.mu.Unlock()
	if !ok {
		return ErrVaultNotOpen
	}
	if notification.VaultID == "" {
		notification.VaultID = vaultID
	}
	if notification.OccurredAt.IsZero() {
		notification.OccurredAt = time.Now().UTC()
	}
	bus.Publish(notification)
	return nil
}

// CloseVault sends a final vault_closed notification, then closes the topic
// and every subscriber channel on it.
func (h *Hub) CloseVault(vaultID, message string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	bus, ok := h.topics[vaultID]
	delete(h.topics, vaultID)
	for channelID, subscription := range h.channels {
		if subscription.VaultID == vaultID {
			delete(h.channels, channelID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	bus.Publish(VaultClosed(vaultID, message))
	bus.Close()
	h.options.Registry.ForgetBus(busName(vaultID))
	h.logger.Info("vault topic closed", map[string]string{
		logging.FieldVaultID: vaultID,
	})
}

// SubscriberCount reports live subscribers of vaultID.
func (h *Hub) SubscriberCount(vaultID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	bus := h.topics[vaultID]
	h.mu.Unlock()
	return bus.SubscriberCount()
}

// TotalSubscribers sums live subscribers across every open vault.
func (h *Hub) TotalSubscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	buses := make([]*event.Bus[Notification], 0, len(h.topics))
	for _, bus := range h.topics {
		buses = append(buses, bus)
	}
	h.mu.Unlock()
	total := 0
	for _, bus := range buses {
		total += bus.SubscriberCount()
	}
	return total
}

func (h *Hub) Vaults() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.topics))
	for id := range h.topics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]*event.Bus[Notification])
	h.channels = make(map[string]*Subscription)
	h.mu.Unlock()

	h.cancel()
	for vaultID, bus := range topics {
		bus.Close()
		h.options.Registry.ForgetBus(busName(vaultID))
	}
	h.logger.Info("hub closed", map[string]string{
		"vaults": strconv.Itoa(len(topics)),
	})
}

func (h *Hub) forget(subscription *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[subscription.ChannelID] == subscription {
		delete(h.channels, subscription.ChannelID)
	}
}

func busName(vaultID string) string {
	return "vault:" + vaultID
}

// Subscription is one channel's attachment to one vault.
type Subscription struct {
	VaultID   string
	ChannelID string

	events <-chan Notification
	cancel func()
	once   sync.Once
	hub    *Hub
}

// Events is closed when the subscription ends for any reason: Close, vault
// teardown, or eviction as a slow subscriber.
func (s *Subscription) Events() <-chan Notification {
	return s.events
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		if s.hub != nil {
			s.hub.forget(s)
		}
	})
}
