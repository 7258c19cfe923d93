package agreement

import (
	"context"
	"sync"
	"time"
)

// EventType doubles as the outbox topic.
type EventType string

const (
	EventAgreementCreated   EventType = "agreement.created"
	EventPartyAdded         EventType = "agreement.party_added"
	EventAgreementSigned    EventType = "agreement.signed"
	EventAgreementLocked    EventType = "agreement.locked"
	EventAgreementFulfilled EventType = "agreement.fulfilled"
	EventAgreementBreached  EventType = "agreement.breached"
	EventFundsStaked        EventType = "funds.staked"
	EventFundsReleased      EventType = "funds.released"
)

// Event is an observable notification of a committed state change.
type Event struct {
	Type        EventType
	AgreementID uint64
	Party       string
	Amount      uint64
	Status      Status
	Reason      string
	Forfeited   uint64
	At          time.Time
}

// Payload renders the event for the outbox.
func (e Event) Payload() map[string]any {
	payload := map[string]any{
		"agreement_id": e.AgreementID,
		"at":           e.At.UTC(),
	}
	if e.Party != "" {
		payload["party"] = e.Party
	}
	if e.Amount != 0 {
		payload["amount"] = e.Amount
	}
	if e.Status != "" {
		payload["status"] = e.Status
	}
	if e.Reason != "" {
		payload["reason"] = e.Reason
	}
	if e.Forfeited != 0 {
		payload["forfeited"] = e.Forfeited
	}
	return payload
}

// Sink receives events after the unit of work that produced them commits.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) Publish(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func stampEvents(events []Event, id uint64) {
	for i := range events {
		events[i].AgreementID = id
	}
}
