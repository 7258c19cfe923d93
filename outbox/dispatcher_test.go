package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayantna/Contractly/agreement"
)

func TestNextStatus(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name     string
		attempts int
		err      error
		want     Status
	}{
		{"delivered", 1, nil, StatusProcessed},
		{"delivered on last attempt", 3, nil, StatusProcessed},
		{"retry", 1, boom, StatusPending},
		{"retry before limit", 2, boom, StatusPending},
		{"dead at limit", 3, boom, StatusDead},
		{"dead past limit", 4, boom, StatusDead},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextStatus(tc.attempts, 3, tc.err))
		})
	}
}

func messageFor(t *testing.T, e agreement.Event) Message {
	t.Helper()
	raw, err := json.Marshal(e.Payload())
	require.NoError(t, err)
	return Message{ID: uuid.New(), Topic: string(e.Type), AgreementID: e.AgreementID, Payload: raw}
}

func TestMessage_EventRestoresPayload(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	want := agreement.Event{
		Type:        agreement.EventAgreementBreached,
		AgreementID: 9,
		Party:       "mallory",
		Amount:      1 << 40,
		Status:      agreement.StatusBreached,
		Reason:      "proportional",
		Forfeited:   1,
		At:          at,
	}

	got, err := messageFor(t, want).Event()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMessage_EventRejectsGarbage(t *testing.T) {
	_, err := Message{ID: uuid.New(), Payload: json.RawMessage(`{"amount":"lots"}`)}.Event()
	assert.Error(t, err)
}

func TestSinkHandler(t *testing.T) {
	rec := &agreement.Recorder{}
	e := agreement.Event{Type: agreement.EventFundsStaked, AgreementID: 3, Party: "alice", Amount: 50, At: time.Unix(0, 0).UTC()}

	require.NoError(t, SinkHandler(rec).Handle(context.Background(), messageFor(t, e)))
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, e.Party, rec.Events()[0].Party)
	assert.Equal(t, e.Amount, rec.Events()[0].Amount)

	failing := agreement.SinkFunc(func(context.Context, []agreement.Event) error { return errors.New("sink down") })
	assert.Error(t, SinkHandler(failing).Handle(context.Background(), messageFor(t, e)))
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	m := messageFor(t, agreement.Event{Type: agreement.EventAgreementLocked, AgreementID: 12})

	require.NoError(t, LogHandler(zerolog.New(&buf)).Handle(context.Background(), m))
	assert.Contains(t, buf.String(), `"topic":"agreement.locked"`)
	assert.Contains(t, buf.String(), `"agreement_id":12`)
}

func TestNewDispatcher_Options(t *testing.T) {
	d := NewDispatcher(nil, LogHandler(zerolog.Nop()), WithBatchSize(0), WithMaxAttempts(7), WithInterval(time.Minute))
	assert.Equal(t, DefaultBatchSize, d.batchSize)
	assert.Equal(t, 7, d.maxAttempts)
	assert.Equal(t, time.Minute, d.interval)
}
