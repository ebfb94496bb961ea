// Package events is the in-process pub/sub spine: execution and node
// lifecycle transitions, usage deltas, and quota alerts flow through one Bus.
// Subscribers (usage ledger, metrics, log tail) attach at startup.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type enumerates the event families on the bus.
type Type string

const (
	ExecutionQueued    Type = "execution.queued"
	ExecutionStarted   Type = "execution.started"
	ExecutionFinished  Type = "execution.finished"
	NodeStarted        Type = "node.started"
	NodeFinished       Type = "node.finished"
	UsageRecorded      Type = "usage.recorded"
	QuotaAlert         Type = "quota.alert"
	ConnectorWarning   Type = "connector.warning"
	TokenRefreshFailed Type = "token.refresh_failed"
)

// Event is one bus message. Fields beyond Type are filled per family.
type Event struct {
	Type        Type
	At          time.Time
	OrgID       string
	UserID      string
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Connector   string
	Operation   string
	Status      string
	ErrorKind   string
	Duration    time.Duration
	// Counters carries metered deltas for usage.recorded events.
	Counters map[string]int64
	// Detail is free-form payload for alerts and warnings.
	Detail map[string]any
}

// Handler receives events. Handlers must not block; slow consumers buffer
// internally.
type Handler func(Event)

// Bus fan-outs events to subscribers synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []Handler
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe attaches a handler. Not safe to call concurrently with Publish
// during startup races; wire all subscribers before serving.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers the event to every subscriber. Panics in a subscriber are
// contained so one bad consumer cannot take down an execution.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, h := range subs {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event subscriber panicked", "type", e.Type, "panic", r)
		}
	}()
	h(e)
}
