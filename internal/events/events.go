// Package events carries the state-transition stream the read mirror and
// the notification hub consume. Delivery is best-effort: a full subscriber
// queue drops the event rather than blocking the transition that produced
// it, and every event carries a deterministic dedup key so consumers can
// tolerate duplicates.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const subscriberQueueSize = 64

type Type string

const (
	TypeContributionRecorded Type = "contribution.recorded"
	TypeRequestCreated       Type = "request.created"
	TypeVoteCast             Type = "vote.cast"
	TypeRequestResolved      Type = "request.resolved"
	TypeRequestExecuted      Type = "request.executed"
)

// AllTypes is the full stream, in the order consumers usually want it.
func AllTypes() []Type {
	return []Type{
		TypeContributionRecorded,
		TypeRequestCreated,
		TypeVoteCast,
		TypeRequestResolved,
		TypeRequestExecuted,
	}
}

type Event struct {
	ID        string
	DedupKey  string
	Type      Type
	Timestamp time.Time
	Data      any
}

func New(eventType Type, dedupKey string, timestamp time.Time, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		DedupKey:  dedupKey,
		Type:      eventType,
		Timestamp: timestamp,
		Data:      data,
	}
}

type ContributionRecordedData struct {
	MemberID   string
	TxRef      string
	Amount     decimal.Decimal
	Total      decimal.Decimal
	RecordedAt time.Time
}

type RequestCreatedData struct {
	RequestID string
	MemberID  string
	Amount    decimal.Decimal
	Reason    string
	Deadline  time.Time
	CreatedAt time.Time
}

type VoteCastData struct {
	RequestID    string
	VoterID      string
	Support      bool
	CastAt       time.Time
	VotesFor     int64
	VotesAgainst int64
}

type RequestResolvedData struct {
	RequestID    string
	Approved     bool
	VotesFor     int64
	VotesAgainst int64
	ResolvedAt   time.Time
}

type RequestExecutedData struct {
	RequestID  string
	MemberID   string
	Amount     decimal.Decimal
	Tier1      bool
	ExecutedAt time.Time
}

type Subscription struct {
	Ch    chan Event
	id    int
	types []Type
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[Type]map[int]*Subscription
	lastID int
	logger *slog.Logger

	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func NewBus(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:   make(map[Type]map[int]*Subscription),
		logger: logger,
	}
	b.published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_events_published_total",
			Help: "Events published to the bus by type",
		},
		[]string{"type"},
	)
	b.dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_events_dropped_total",
			Help: "Events dropped due to a full subscriber queue",
		},
		[]string{"type"},
	)
	if promRegistry != nil {
		promRegistry.MustRegister(b.published, b.dropped)
	}
	return b
}

func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	sub := &Subscription{
		Ch:    make(chan Event, subscriberQueueSize),
		id:    b.lastID,
		types: types,
	}
	for _, t := range types {
		if b.subs[t] == nil {
			b.subs[t] = make(map[int]*Subscription)
		}
		b.subs[t][sub.id] = sub
	}
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.types {
		delete(b.subs[t], sub.id)
	}
	close(sub.Ch)
}

// Publish never blocks. Subscribers that cannot keep up lose events and
// recover through the dedup-keyed replay path, not through backpressure.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.published.WithLabelValues(string(evt.Type)).Inc()
	for _, sub := range b.subs[evt.Type] {
		select {
		case sub.Ch <- evt:
		default:
			b.dropped.WithLabelValues(string(evt.Type)).Inc()
			b.logger.Warn("dropping event for slow subscriber",
				"type", evt.Type,
				"dedup_key", evt.DedupKey,
			)
		}
	}
}
