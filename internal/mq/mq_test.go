package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	ack     bool
	requeue bool
}

type fakeAcker struct {
	calls []settlement
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.calls = append(f.calls, settlement{ack: true})
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.calls = append(f.calls, settlement{requeue: requeue})
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(t *testing.T, acker *fakeAcker, body []byte, redelivered bool) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Redelivered:  redelivered,
		Body:         body,
	}
}

func runReadyBody(t *testing.T, runID uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(NewRunReady(runID))
	require.NoError(t, err)
	return body
}

func newTestConsumer(h Handler) *Consumer {
	return NewConsumer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), ConsumerConfig{
		Queue:   string(QueueRunsReady),
		Handler: h,
	})
}

func TestConsumer_HandleDelivery(t *testing.T) {
	runID := uuid.New()
	transient := errors.New("store unavailable")

	tests := []struct {
		name        string
		handlerErr  error
		redelivered bool
		want        settlement
	}{
		{"success acks", nil, false, settlement{ack: true}},
		{"first failure requeues", transient, false, settlement{requeue: true}},
		{"second failure dead-letters", transient, true, settlement{}},
		{"reject dead-letters", fmt.Errorf("bad run: %w", ErrReject), false, settlement{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got uuid.UUID
			c := newTestConsumer(func(ctx context.Context, d *Delivery) error {
				payload, err := ParsePayload[RunReadyPayload](&d.Message)
				require.NoError(t, err)
				got = payload.RunID
				return tt.handlerErr
			})

			acker := &fakeAcker{}
			c.handleDelivery(context.Background(), delivery(t, acker, runReadyBody(t, runID), tt.redelivered))

			assert.Equal(t, runID, got)
			require.Len(t, acker.calls, 1)
			assert.Equal(t, tt.want, acker.calls[0])
		})
	}
}

func TestConsumer_MalformedBodyDeadLetters(t *testing.T) {
	called := false
	c := newTestConsumer(func(ctx context.Context, d *Delivery) error {
		called = true
		return nil
	})

	acker := &fakeAcker{}
	c.handleDelivery(context.Background(), delivery(t, acker, []byte("{not json"), false))

	assert.False(t, called)
	require.Len(t, acker.calls, 1)
	assert.Equal(t, settlement{}, acker.calls[0])
}

func TestNewRunReady(t *testing.T) {
	runID := uuid.New()
	msg := NewRunReady(runID)

	assert.Equal(t, MessageTypeRunReady, msg.Type)
	assert.NotEmpty(t, msg.ID)

	payload, err := ParsePayload[RunReadyPayload](msg)
	require.NoError(t, err)
	assert.Equal(t, runID, payload.RunID)
}

func TestParsePayload_TypeMismatch(t *testing.T) {
	msg := &Message{Payload: map[string]any{"run_id": 42}}
	_, err := ParsePayload[RunReadyPayload](msg)
	assert.Error(t, err)
}

func TestTopologyInfo(t *testing.T) {
	info := TopologyInfo()
	for _, name := range []string{string(ExchangeRuns), string(QueueRunsReady), string(QueueDLQRuns)} {
		assert.Contains(t, info, name)
	}
}
