package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const DefaultSubscriberBuffer = 32

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Hub reads the change topic and fans events out to per-session subscribers.
// Each subscriber has its own queue and delivery goroutine; a full queue
// holds the hub back until it drains, so per-session order is kept.
type Hub struct {
	reader messageReader
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	id        uint64
	sessionID string
	events    chan domain.ChangeEvent
	done      chan struct{}
	once      sync.Once
}

// NewHub creates a hub consuming topic. Every process needs its own groupID
// to see all partitions; new groups start at the newest offset.
func NewHub(topic, groupID string, buffer int, brokers ...string) *Hub {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MaxBytes:    10e6, // 10MB
	})
	return newHub(reader, buffer)
}

func newHub(reader messageReader, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		reader: reader,
		buffer: buffer,
		subs:   make(map[string]map[uint64]*subscriber),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		h.readAndDispatch(ctx)
	}
}

func (h *Hub) readAndDispatch(ctx context.Context) {
	m, err := h.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("error reading change feed")
			// avoid spinning on a broken connection
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		return
	}

	var ev domain.ChangeEvent
	if errUnmarshal := json.Unmarshal(m.Value, &ev); errUnmarshal != nil {
		logger.Warn().Err(errUnmarshal).Int64("offset", m.Offset).Msg("error parsing change event")
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = string(m.Key)
	}
	h.Dispatch(ctx, ev)
}

// Dispatch hands ev to every subscriber of its session.
func (h *Hub) Dispatch(ctx context.Context, ev domain.ChangeEvent) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs[ev.SessionID]))
	for _, s := range h.subs[ev.SessionID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.events <- ev:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers onEvent for the events of sessionID. onEvent runs on the
// subscription's own goroutine, one event at a time.
func (h *Hub) Subscribe(_ context.Context, sessionID string, onEvent func(domain.ChangeEvent)) (*Subscription, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	h.mu.Lock()
	h.nextID++
	s := &subscriber{
		id:        h.nextID,
		sessionID: sessionID,
		events:    make(chan domain.ChangeEvent, h.buffer),
		done:      make(chan struct{}),
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*subscriber)
	}
	h.subs[sessionID][s.id] = s
	h.mu.Unlock()
	metrics.FeedSubscribers.Inc()

	go func() {
		for {
			select {
			case ev := <-s.events:
				onEvent(ev)
			case <-s.done:
				return
			}
		}
	}()

	return &Subscription{hub: h, sub: s}, nil
}

func (h *Hub) unsubscribe(s *subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs[s.sessionID], s.id)
		if len(h.subs[s.sessionID]) == 0 {
			delete(h.subs, s.sessionID)
		}
		h.mu.Unlock()
		close(s.done)
		metrics.FeedSubscribers.Dec()
	})
}

// Subscribers returns the number of live subscriptions for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	var all []*subscriber
	for _, byID := range h.subs {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		h.unsubscribe(s)
	}
	return h.reader.Close()
}

type Subscription struct {
	hub *Hub
	sub *subscriber
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.unsubscribe(s.sub)
}
