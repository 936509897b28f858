package pipeline

import (
	"log"
	"sync"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/ports"
)

// Event types carried through the fanout queue.
const (
	EventNewMessage  = "new_message"
	EventMessageSent = "message_sent"
	EventReceipts    = "messages_read"
)

// ChanFanoutQueue decouples the partition consumers from socket delivery: a
// consumer enqueues and moves on, and the gateway drains at its own pace. A
// full queue drops the event rather than stall persistence; resuming clients
// recover dropped events from the replay cache.
type ChanFanoutQueue struct {
	ch        chan *ports.FanoutEvent
	closeOnce sync.Once
}

func NewFanoutQueue(capacity int) *ChanFanoutQueue {
	return &ChanFanoutQueue{ch: make(chan *ports.FanoutEvent, capacity)}
}

func (q *ChanFanoutQueue) Enqueue(ev *ports.FanoutEvent) {
	select {
	case q.ch <- ev:
		metrics.FanoutQueueDepth.Set(float64(len(q.ch)))
	default:
		log.Printf("fanout queue full, dropping %s event for conversation %s", ev.Type, ev.ConversationID)
	}
}

func (q *ChanFanoutQueue) Events() <-chan *ports.FanoutEvent {
	return q.ch
}

func (q *ChanFanoutQueue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

var _ ports.FanoutQueue = (*ChanFanoutQueue)(nil)
