// Package outbox delivers agreement events written to the PostgreSQL outbox
// table. Rows are claimed with FOR UPDATE SKIP LOCKED so any number of
// dispatchers can drain the table side by side.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/agreement"
)

// Status of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message is one claimed outbox row.
type Message struct {
	ID          uuid.UUID
	Topic       string
	AgreementID uint64
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
}

type payload struct {
	AgreementID uint64    `json:"agreement_id"`
	At          time.Time `json:"at"`
	Party       string    `json:"party,omitempty"`
	Amount      uint64    `json:"amount,omitempty"`
	Status      string    `json:"status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Forfeited   uint64    `json:"forfeited,omitempty"`
}

// Event decodes the message back into the agreement event it was written from.
func (m Message) Event() (agreement.Event, error) {
	var p payload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return agreement.Event{}, fmt.Errorf("outbox: decode %s payload: %w", m.ID, err)
	}
	return agreement.Event{
		Type:        agreement.EventType(m.Topic),
		AgreementID: m.AgreementID,
		Party:       p.Party,
		Amount:      p.Amount,
		Status:      agreement.Status(p.Status),
		Reason:      p.Reason,
		Forfeited:   p.Forfeited,
		At:          p.At,
	}, nil
}

// Handler delivers one message. A returned error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, m Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m Message) error

func (f HandlerFunc) Handle(ctx context.Context, m Message) error {
	return f(ctx, m)
}

// SinkHandler forwards each message to an agreement event sink.
func SinkHandler(sink agreement.Sink) Handler {
	return HandlerFunc(func(ctx context.Context, m Message) error {
		e, err := m.Event()
		if err != nil {
			return err
		}
		return sink.Publish(ctx, []agreement.Event{e})
	})
}

// LogHandler writes each message to log and never fails.
func LogHandler(log zerolog.Logger) Handler {
	return HandlerFunc(func(_ context.Context, m Message) error {
		log.Info().
			Str("message_id", m.ID.String()).
			Str("topic", m.Topic).
			Uint64("agreement_id", m.AgreementID).
			RawJSON("payload", m.Payload).
			Msg("outbox event")
		return nil
	})
}
