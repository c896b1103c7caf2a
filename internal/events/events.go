// Package events defines the engine's typed event log and an in-process
// pub/sub bus that feeds the websocket hub in internal/api. The fan-out
// pattern (register/unregister/broadcast channels, drop-on-full to avoid
// blocking the writer) is adapted from the teacher's trade.WSHub.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind enumerates every event the engine emits. The first block mirrors
// the spec's event log; the second block supplements it with governance
// audit events the distillation did not name but a complete
// implementation needs for parameter history.
type Kind string

const (
	OrderCreated              Kind = "OrderCreated"
	OrderCancelled            Kind = "OrderCancelled"
	PositionIncreased         Kind = "PositionIncreased"
	PositionDecreased         Kind = "PositionDecreased"
	MarginIncreased           Kind = "MarginIncreased"
	MarginDecreased           Kind = "MarginDecreased"
	FeePaid                   Kind = "FeePaid"
	PositionLiquidated        Kind = "PositionLiquidated"
	PoolDeposit               Kind = "PoolDeposit"
	PoolWithdrawal            Kind = "PoolWithdrawal"
	DirectPoolDeposit         Kind = "DirectPoolDeposit"
	PoolPayIn                 Kind = "PoolPayIn"
	PoolPayOut                Kind = "PoolPayOut"
	BufferToPool              Kind = "BufferToPool"
	FundingUpdated            Kind = "FundingUpdated"
	IncrementOI               Kind = "IncrementOI"
	DecrementOI               Kind = "DecrementOI"
	GlobalUPLSet              Kind = "GlobalUPLSet"
	OrderExecuted             Kind = "OrderExecuted"
	OrderSkipped              Kind = "OrderSkipped"
	LiquidationError          Kind = "LiquidationError"
	TrailingStopOrderExecuted Kind = "TrailingStopOrderExecuted"

	// Supplemented: governance parameter changes are not individually
	// enumerated in the base event set but need an audit trail.
	MarketUpdated Kind = "MarketUpdated"
	AssetUpdated  Kind = "AssetUpdated"
)

// Event is one entry in the append-only event log.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp int64
	Fields    map[string]string
}

const recentCap = 4096

// Bus fans out emitted events to subscribers and retains a bounded
// in-memory tail for Recent(). A subscriber whose channel is full has its
// event dropped rather than blocking the emitting command — state
// mutations must never stall on a slow consumer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextSubID   int
	log         []Event
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Emit appends a new event to the log and broadcasts it to all current
// subscribers. now is passed in explicitly by the caller, matching the
// engine's no-internal-clock-reads rule.
func (b *Bus) Emit(kind Kind, now int64, fields map[string]string) Event {
	ev := Event{ID: uuid.NewString(), Kind: kind, Timestamp: now, Fields: fields}

	b.mu.Lock()
	b.log = append(b.log, ev)
	if len(b.log) > recentCap {
		b.log = b.log[len(b.log)-recentCap:]
	}
	subs := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a new listener and returns its channel plus a
// cancel function that unregisters it. The returned channel is buffered
// so a burst of events does not immediately drop for a momentarily slow
// reader.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// Recent returns up to n of the most recently emitted events, oldest
// first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.log) {
		n = len(b.log)
	}
	out := make([]Event, n)
	copy(out, b.log[len(b.log)-n:])
	return out
}
