package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	r "github.com/fjod/go_cart/cart-engine/internal/repository"
	"github.com/segmentio/kafka-go"
)

type mockOutbox struct {
	m         sync.Mutex
	events    []*r.OutboxEvent
	processed []string
	fetchErr  error
	markErr   error
	purged    int
}

func (o *mockOutbox) GetUnprocessedEvents(_ context.Context, limit int) ([]*r.OutboxEvent, error) {
	o.m.Lock()
	defer o.m.Unlock()
	if o.fetchErr != nil {
		return nil, o.fetchErr
	}
	done := make(map[string]bool, len(o.processed))
	for _, id := range o.processed {
		done[id] = true
	}
	var out []*r.OutboxEvent
	for _, ev := range o.events {
		if !done[ev.ID] && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (o *mockOutbox) MarkEventAsProcessed(_ context.Context, id string) error {
	o.m.Lock()
	defer o.m.Unlock()
	if o.markErr != nil {
		return o.markErr
	}
	o.processed = append(o.processed, id)
	return nil
}

func (o *mockOutbox) PurgeProcessedEvents(_ context.Context, _ time.Time) (int64, error) {
	o.m.Lock()
	defer o.m.Unlock()
	o.purged++
	return int64(len(o.processed)), nil
}

func (o *mockOutbox) processedIDs() []string {
	o.m.Lock()
	defer o.m.Unlock()
	return append([]string(nil), o.processed...)
}

type mockWriter struct {
	m        sync.Mutex
	messages []kafka.Message
	// failOn makes the write of the message with this key fail
	failOn string
	closed bool
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.m.Lock()
	defer w.m.Unlock()
	for _, msg := range msgs {
		if w.failOn != "" && string(msg.Key) == w.failOn {
			return errors.New("broker unavailable")
		}
		w.messages = append(w.messages, msg)
	}
	return nil
}

func (w *mockWriter) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	w.closed = true
	return nil
}

func (w *mockWriter) written() []kafka.Message {
	w.m.Lock()
	defer w.m.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

// mockReader serves queued messages and then blocks until ctx is done.
type mockReader struct {
	messages chan kafka.Message
	closed   chan struct{}
	once     sync.Once
}

func newMockReader(msgs ...kafka.Message) *mockReader {
	rd := &mockReader{
		messages: make(chan kafka.Message, len(msgs)+16),
		closed:   make(chan struct{}),
	}
	for _, msg := range msgs {
		rd.messages <- msg
	}
	return rd
}

func (rd *mockReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-rd.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-rd.closed:
		return kafka.Message{}, errors.New("reader closed")
	}
}

func (rd *mockReader) Close() error {
	rd.once.Do(func() { close(rd.closed) })
	return nil
}
