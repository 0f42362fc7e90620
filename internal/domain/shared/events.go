// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types.
const (
	// Settlement events
	EventPurchaseSettled EventType = "crowdsale.purchase_settled"
	EventRoundAdvanced   EventType = "crowdsale.round_advanced"

	// Administration events
	EventBeneficiaryAdded     EventType = "crowdsale.beneficiary_added"
	EventBeneficiaryRemoved   EventType = "crowdsale.beneficiary_removed"
	EventAdministratorAdded   EventType = "crowdsale.administrator_added"
	EventAdministratorRemoved EventType = "crowdsale.administrator_removed"
)

// AdvanceTrigger says what moved the crowdsale into a new round.
type AdvanceTrigger string

const (
	// AdvanceByTime - the wall clock passed the next round's start.
	AdvanceByTime AdvanceTrigger = "time"
	// AdvanceByQuota - the active round issued more than its quota.
	AdvanceByQuota AdvanceTrigger = "quota"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event. The timestamp is the logical time of
// the operation that produced it, not the wall clock.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Settlement Events
// ═══════════════════════════════════════════════════════════════════════════

// PurchaseSettledEvent is emitted once per successful contribution.
type PurchaseSettledEvent struct {
	BaseEvent
	Contributor Account `json:"contributor"`
	Value       Amount  `json:"value"`
	Tokens      Amount  `json:"tokens"`
	RoundID     int     `json:"round_id"`
}

// Payload implements Event interface.
func (e PurchaseSettledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"contributor": e.Contributor.Hex(),
		"value":       FormatAmount(e.Value),
		"tokens":      FormatAmount(e.Tokens),
		"round_id":    e.RoundID,
	}
}

// NewPurchaseSettledEvent creates a new PurchaseSettledEvent.
func NewPurchaseSettledEvent(crowdsaleID string, at time.Time, contributor Account, value, tokens Amount, roundID int) PurchaseSettledEvent {
	return PurchaseSettledEvent{
		BaseEvent:   NewBaseEvent(EventPurchaseSettled, crowdsaleID, at),
		Contributor: contributor,
		Value:       value,
		Tokens:      tokens,
		RoundID:     roundID,
	}
}

// RoundAdvancedEvent is emitted each time the active round changes.
type RoundAdvancedEvent struct {
	BaseEvent
	NewRoundID int            `json:"new_round_id"`
	Trigger    AdvanceTrigger `json:"trigger"`
	TokensCap  Amount         `json:"tokens_cap"`
	Unbounded  bool           `json:"unbounded"`
}

// Payload implements Event interface.
func (e RoundAdvancedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"new_round_id": e.NewRoundID,
		"trigger":      string(e.Trigger),
		"tokens_cap":   FormatAmount(e.TokensCap),
		"unbounded":    e.Unbounded,
	}
}

// NewRoundAdvancedEvent creates a new RoundAdvancedEvent.
func NewRoundAdvancedEvent(crowdsaleID string, at time.Time, newRoundID int, trigger AdvanceTrigger, tokensCap Amount, unbounded bool) RoundAdvancedEvent {
	return RoundAdvancedEvent{
		BaseEvent:  NewBaseEvent(EventRoundAdvanced, crowdsaleID, at),
		NewRoundID: newRoundID,
		Trigger:    trigger,
		TokensCap:  tokensCap,
		Unbounded:  unbounded,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Administration Events
// ═══════════════════════════════════════════════════════════════════════════

// MembershipChangedEvent covers beneficiary and administrator list changes.
type MembershipChangedEvent struct {
	BaseEvent
	Caller  Account `json:"caller"`
	Account Account `json:"account"`
	Index   int     `json:"index"` // position in the beneficiary list, -1 for administrators
}

// Payload implements Event interface.
func (e MembershipChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"caller":  e.Caller.Hex(),
		"account": e.Account.Hex(),
		"index":   e.Index,
	}
}

// NewMembershipChangedEvent creates a new MembershipChangedEvent.
func NewMembershipChangedEvent(eventType EventType, crowdsaleID string, at time.Time, caller, account Account, index int) MembershipChangedEvent {
	return MembershipChangedEvent{
		BaseEvent: NewBaseEvent(eventType, crowdsaleID, at),
		Caller:    caller,
		Account:   account,
		Index:     index,
	}
}

// WithCorrelation returns a copy of e carrying the correlation ID. Events of
// unknown concrete types are returned unchanged.
func WithCorrelation(e Event, id string) Event {
	if id == "" {
		return e
	}
	switch ev := e.(type) {
	case PurchaseSettledEvent:
		ev.BaseEvent = ev.BaseEvent.WithCorrelationID(id)
		return ev
	case RoundAdvancedEvent:
		ev.BaseEvent = ev.BaseEvent.WithCorrelationID(id)
		return ev
	case MembershipChangedEvent:
		ev.BaseEvent = ev.BaseEvent.WithCorrelationID(id)
		return ev
	default:
		return e
	}
}

// CorrelationOf returns the correlation ID of e, if any.
func CorrelationOf(e Event) string {
	switch ev := e.(type) {
	case PurchaseSettledEvent:
		return ev.CorrelationID
	case RoundAdvancedEvent:
		return ev.CorrelationID
	case MembershipChangedEvent:
		return ev.CorrelationID
	default:
		return ""
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope wraps e for transport under the given message id.
func NewEventEnvelope(id string, e Event) (EventEnvelope, error) {
	payload, err := json.Marshal(e.Payload())
	if err != nil {
		return EventEnvelope{}, WrapError("shared", "NewEventEnvelope", ErrInvalidFormat, "marshal payload", err)
	}
	return EventEnvelope{
		ID:            id,
		Type:          e.EventType(),
		AggregateID:   e.AggregateID(),
		Timestamp:     e.OccurredAt(),
		Version:       1,
		CorrelationID: CorrelationOf(e),
		Payload:       payload,
	}, nil
}

type purchasePayload struct {
	Contributor string `json:"contributor"`
	Value       string `json:"value"`
	Tokens      string `json:"tokens"`
	RoundID     int    `json:"round_id"`
}

type roundPayload struct {
	NewRoundID int    `json:"new_round_id"`
	Trigger    string `json:"trigger"`
	TokensCap  string `json:"tokens_cap"`
	Unbounded  bool   `json:"unbounded"`
}

type membershipPayload struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Index   int    `json:"index"`
}

// DecodeEvent rebuilds the concrete event carried by env.
func DecodeEvent(env EventEnvelope) (Event, error) {
	base := NewBaseEvent(env.Type, env.AggregateID, env.Timestamp).WithCorrelationID(env.CorrelationID)
	if env.Version > 0 {
		base.Version = env.Version
	}

	switch env.Type {
	case EventPurchaseSettled:
		var p purchasePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, decodeError(env.Type, err)
		}
		contributor, err := ParseAccount(p.Contributor)
		if err != nil {
			return nil, decodeError(env.Type, err)
		}
		value, err := ParseAmount(p.Value)
		if err != nil {
			return nil, decodeError(env.Type, err)
		}
		tokens, err := ParseAmount(p.Tokens)
		if err != nil {
			return nil, decodeError(env.Type, err)
		}
		return PurchaseSettledEvent{BaseEvent: base, Contributor: contributor, Value: value, Tokens: tokens, RoundID: p.RoundID}, nil

	case EventRoundAdvanced:
		var p roundPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, decodeError(env.Type, err)
		}
		tokensCap, err := ParseAmount(p.TokensCap)
		if err != nil {
			return nil, decodeError(env.Type, err)
		}
		return RoundAdvancedEvent{BaseEvent: base, NewRoundID: p.NewRoundID, Trigger: AdvanceTrigger(p.Trigger), TokensCap: tokensCap, Unbounded: p.Unbounded}, nil

	case EventBeneficiaryAdded, EventBeneficiaryRemoved, EventAdministratorAdded, EventAdministratorRemoved:
		var p membershipPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, decodeError(env.Type, err)
		}
		caller, err := ParseAccount(p.Caller)
		if err != nil {
			return nil, decodeError(env.Type, err)
		}
		account, err := ParseAccount(p.Account)
		if err != nil {
			return nil, decodeError(env.Type, err)
		}
		return MembershipChangedEvent{BaseEvent: base, Caller: caller, Account: account, Index: p.Index}, nil

	default:
		return nil, NewDomainError("shared", "DecodeEvent", ErrInvalidInput, fmt.Sprintf("unknown event type %q", env.Type))
	}
}

func decodeError(t EventType, err error) error {
	return WrapError("shared", "DecodeEvent", ErrInvalidFormat, fmt.Sprintf("malformed %s payload", t), err)
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
