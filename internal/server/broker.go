package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veritas-ai/deepthink/internal/model"
)

// subscriberBuffer sizes each subscriber channel. A run emits a few dozen
// events at most; a full buffer means the client is not reading.
const subscriberBuffer = 64

// retainClosed bounds how many finished run streams the broker keeps for
// late SSE attaches before the oldest are evicted.
const retainClosed = 256

// stream holds one run's event history and its live subscribers.
type stream struct {
	events [][]byte
	subs   map[chan []byte]struct{}
	closed bool
}

// Broker fans run progress events out to SSE subscribers. It implements
// the orchestrator's Emitter: the pipeline emits into it and never blocks
// on slow clients. Every event is kept in per-run history so a client that
// attaches mid-run replays what it missed before tailing live events.
type Broker struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[uuid.UUID]*stream
	// closedOrder tracks finished streams oldest-first for eviction.
	closedOrder []uuid.UUID
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:  logger,
		streams: make(map[uuid.UUID]*stream),
	}
}

// Register opens an event stream for a newly created run, so subscribers
// that attach before the first event still receive everything.
func (b *Broker) Register(runID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[runID]; !ok {
		b.streams[runID] = &stream{subs: make(map[chan []byte]struct{})}
	}
}

// Emit records one event in the run's history and broadcasts it to live
// subscribers. Subscribers with a full buffer have the event dropped
// rather than blocking the pipeline; the history replay is the reliable
// path.
func (b *Broker) Emit(runID uuid.UUID, typ model.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broker: marshal event", "run_id", runID, "type", typ, "error", err)
		return
	}
	event := formatSSE(string(typ), data)

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[runID]
	if !ok {
		s = &stream{subs: make(map[chan []byte]struct{})}
		b.streams[runID] = s
	}
	if s.closed {
		b.logger.Warn("broker: event after stream close", "run_id", runID, "type", typ)
		return
	}
	s.events = append(s.events, event)
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; they catch up on reconnect via replay.
		}
	}
}

// Close marks a run's stream complete and closes every subscriber channel.
// The history stays available for late attaches until evicted.
func (b *Broker) Close(runID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[runID]
	if !ok || s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}

	b.closedOrder = append(b.closedOrder, runID)
	for len(b.closedOrder) > retainClosed {
		evict := b.closedOrder[0]
		b.closedOrder = b.closedOrder[1:]
		delete(b.streams, evict)
	}
}

// Subscribe returns the run's event history so far and, when the stream is
// still live, a channel of subsequent events. A nil channel means the
// stream already closed and the replay is complete. ok is false when the
// broker has no stream for the run.
func (b *Broker) Subscribe(runID uuid.UUID) (replay [][]byte, ch chan []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, found := b.streams[runID]
	if !found {
		return nil, nil, false
	}

	replay = make([][]byte, len(s.events))
	copy(replay, s.events)
	if s.closed {
		return replay, nil, true
	}
	ch = make(chan []byte, subscriberBuffer)
	s.subs[ch] = struct{}{}
	return replay, ch, true
}

// Unsubscribe removes a live subscriber. Channels already closed by Close
// are ignored.
func (b *Broker) Unsubscribe(runID uuid.UUID, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[runID]
	if !ok {
		return
	}
	if _, live := s.subs[ch]; live {
		delete(s.subs, ch)
		close(ch)
	}
}

// formatSSE frames one event in text/event-stream framing.
func formatSSE(eventType string, data []byte) []byte {
	buf := make([]byte, 0, len(eventType)+len(data)+17)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}
