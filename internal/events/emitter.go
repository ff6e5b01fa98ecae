// Package events is a small synchronous pub/sub broker for settlement
// events. Subscribers attach before the engine starts accepting payments.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type labels what happened.
type Type string

const (
	TypePaymentAccepted Type = "payment_accepted"
	TypePrizeAwarded    Type = "prize_awarded"
	TypePoolDistributed Type = "pool_distributed"
	TypeShareEscrowed   Type = "share_escrowed"
	TypeShareClaimed    Type = "share_claimed"
	TypeTeamWithdrawal  Type = "team_withdrawal"
	TypeRewardIssued    Type = "reward_issued"
	TypeSessionReset    Type = "session_reset"
)

// Event carries a typed payload emitted after a settlement state change.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter delivers events synchronously to subscribers. Subscribe before
// Emit; there is no replay.
type Emitter struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	handlers map[Type][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger:   logger.With("source", "events.Emitter"),
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ Type, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// SubscribeAll registers h for every known event type.
func (e *Emitter) SubscribeAll(h Handler) {
	for _, typ := range []Type{
		TypePaymentAccepted, TypePrizeAwarded, TypePoolDistributed,
		TypeShareEscrowed, TypeShareClaimed, TypeTeamWithdrawal,
		TypeRewardIssued, TypeSessionReset,
	} {
		e.Subscribe(typ, h)
	}
}

// Emit delivers ev to all subscribers for ev.Type synchronously. Each
// handler is guarded by panic recovery so a misbehaving subscriber cannot
// take down a settlement operation.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panicked",
						"type", string(ev.Type), "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
