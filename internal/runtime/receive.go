package runtime

import (
	"context"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/queueflow/internal/runtime/envelope"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/transport"
)

// Message is a delivered payload. Token identifies the delivery in
// Complete, Abandon, Error and ReadProperties.
type Message[T any] struct {
	Token string
	Body  T
}

// Entity is a delivered payload together with its envelope properties and
// backend bookkeeping.
type Entity[T any] struct {
	Message[T]
	Properties   map[string]any
	MessageID    string
	DequeueCount int
}

// ReceiveOne dequeues at most one new message. It returns nil when the
// receiver entity is empty or only held messages that are already tracked.
func ReceiveOne[T any](ctx context.Context, m *Messenger) (*Message[T], error) {
	entity, err := ReceiveOneEntity[T](ctx, m)
	if err != nil || entity == nil {
		return nil, err
	}
	return &entity.Message, nil
}

// ReceiveBatch dequeues up to n new messages.
func ReceiveBatch[T any](ctx context.Context, m *Messenger, n int) ([]Message[T], error) {
	entities, err := ReceiveBatchEntity[T](ctx, m, n)
	if err != nil {
		return nil, err
	}
	out := make([]Message[T], len(entities))
	for i, e := range entities {
		out[i] = e.Message
	}
	return out, nil
}

// ReceiveOneEntity is ReceiveOne returning the properties as well.
func ReceiveOneEntity[T any](ctx context.Context, m *Messenger) (*Entity[T], error) {
	entities, err := ReceiveBatchEntity[T](ctx, m, 1)
	if err != nil || len(entities) == 0 {
		return nil, err
	}
	return &entities[0], nil
}

// ReceiveBatchEntity is ReceiveBatch returning the properties as well.
func ReceiveBatchEntity[T any](ctx context.Context, m *Messenger, n int) ([]Entity[T], error) {
	if m.closed.Load() {
		return nil, errspkg.ErrMessengerClosed
	}
	m.receiveGate.Lock()
	defer m.receiveGate.Unlock()
	return pollBatch[T](ctx, m, n)
}

// pollBatch dequeues up to max messages, skips those already tracked and
// decodes the rest. Every message is decoded before any is tracked, so a
// decode failure leaves the registry untouched unless undecodable messages
// are configured to be removed.
func pollBatch[T any](ctx context.Context, m *Messenger, max int) ([]Entity[T], error) {
	if max <= 0 {
		max = 1
	}

	queue, err := m.conn.Receiver(ctx)
	if err != nil {
		return nil, err
	}
	entity := queue.Name()

	ctx, span := m.tracer.Start(ctx, "queueflow.poll", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", entity),
			attribute.String("queueflow.payload_type", reflect.TypeFor[T]().String()),
			attribute.Int("messaging.batch.size", max),
		))
	defer span.End()

	fail := func(err error) ([]Entity[T], error) {
		recordSpanError(span, err)
		m.metrics.RecordPollError(entity)
		return nil, err
	}

	msgs, err := queue.DequeueBatch(ctx, max)
	if err != nil {
		return fail(err)
	}

	type decoded struct {
		msg transport.Message
		env *envelope.Envelope[T]
	}
	fresh := make([]decoded, 0, len(msgs))
	for _, msg := range msgs {
		if m.inflight.refresh(msg) {
			continue
		}
		env, err := envelope.Decode[T](msg.Body)
		if err != nil {
			if !m.conn.removesUndecodable() {
				return fail(fmt.Errorf("queueflow: decode message %s from %s: %w", msg.ID, entity, err))
			}
			if delErr := queue.Delete(ctx, msg); delErr != nil {
				return fail(fmt.Errorf("queueflow: remove undecodable message %s: %w", msg.ID, delErr))
			}
			m.metrics.RecordPoisonRemoved(entity)
			m.logger.Info("Removed message that could not be decoded", logging.LogFields{
				"entity":     entity,
				"message_id": msg.ID,
				"error":      err.Error(),
			})
			continue
		}
		env.Original = msg
		fresh = append(fresh, decoded{msg: msg, env: env})
	}

	out := make([]Entity[T], 0, len(fresh))
	for _, d := range fresh {
		token, added := m.inflight.add(entity, d.msg, d.env.Body, d.env.Properties)
		if !added {
			continue
		}
		out = append(out, Entity[T]{
			Message:      Message[T]{Token: token, Body: d.env.Body},
			Properties:   d.env.Properties,
			MessageID:    d.msg.ID,
			DequeueCount: d.msg.DequeueCount,
		})
	}

	span.SetAttributes(attribute.Int("queueflow.delivered", len(out)))
	m.metrics.RecordReceived(entity, len(out))
	return out, nil
}
