package events

import (
	"sync"
	"time"

	"loraframe/studio/internal/model"

	"github.com/google/uuid"
)

const DefaultBacklog = 256

// Hub fans studio events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and can catch up from
// the backlog by sequence number.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]chan model.StudioEvent
	seq     int64
	backlog []model.StudioEvent
	keep    int
	closed  bool
}

func NewHub(backlog int) *Hub {
	if backlog < 1 {
		backlog = DefaultBacklog
	}
	return &Hub{
		subs: map[string]chan model.StudioEvent{},
		keep: backlog,
	}
}

func (h *Hub) Subscribe(buf int) (string, <-chan model.StudioEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID := uuid.NewString()
	ch := make(chan model.StudioEvent, buf)
	if h.closed {
		close(ch)
		return subID, ch, func() {}
	}
	h.subs[subID] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		c, ok := h.subs[subID]
		if !ok {
			return
		}
		delete(h.subs, subID)
		close(c)
	}
	return subID, ch, unsubscribe
}

func (h *Hub) Publish(typ model.StudioEventType, payload map[string]any) model.StudioEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	evt := model.StudioEvent{
		EventID: uuid.NewString(),
		Seq:     h.seq,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	h.backlog = append(h.backlog, evt)
	if len(h.backlog) > h.keep {
		h.backlog = h.backlog[len(h.backlog)-h.keep:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop stale subscribers to keep producer non-blocking.
		}
	}
	return evt
}

// EventsFrom returns backlog events with a sequence number above fromSeq.
func (h *Hub) EventsFrom(fromSeq int64) []model.StudioEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.StudioEvent, 0, len(h.backlog))
	for _, evt := range h.backlog {
		if evt.Seq > fromSeq {
			out = append(out, evt)
		}
	}
	return out
}

// Close ends every subscription; later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
