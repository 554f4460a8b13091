package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metadata"
)

const (
	streamBuffer = 64
)

type subscriptionKind uint8

const (
	callbackSubscription subscriptionKind = iota + 1
	streamSubscription
)

func (k subscriptionKind) String() string {
	if k == streamSubscription {
		return "stream"
	}
	return "callback"
}

// subscription is the background poll of one payload type. It owns its
// context and ticker; tick never runs concurrently with itself.
type subscription struct {
	payloadType reflect.Type
	topic       string
	kind        subscriptionKind

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	running   atomic.Bool
	listeners atomic.Int64
	tick      func(ctx context.Context)
}

func (s *subscription) run(period time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tryTick()
		}
	}
}

// tryTick runs one poll unless one is already running. It reports whether
// the poll ran.
func (s *subscription) tryTick() bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)
	s.tick(s.ctx)
	return true
}

func topicFor(typ reflect.Type) string {
	return "queueflow." + typ.String()
}

// install registers sub unless a subscription for the same payload type is
// already active, in which case the existing one is returned and installed
// is false. An active subscription of the other kind is an error.
func (m *Messenger) install(sub *subscription) (active *subscription, installed bool, err error) {
	m.receiveGate.Lock()
	defer m.receiveGate.Unlock()
	m.cancelGate.Lock()
	defer m.cancelGate.Unlock()

	if m.closed.Load() {
		return nil, false, errspkg.ErrMessengerClosed
	}
	if m.conn.ReceiverName() == "" {
		return nil, false, errspkg.ErrReceiverNotConfigured
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if existing, ok := m.subs[sub.payloadType]; ok {
		if existing.kind != sub.kind {
			return nil, false, fmt.Errorf("%w: %s has an active %s subscription",
				errspkg.ErrSubscriptionKindMismatch, sub.payloadType, existing.kind)
		}
		m.logger.Debug("Subscription already active, keeping the first registration", logging.LogFields{
			"payload_type": sub.payloadType.String(),
		})
		return existing, false, nil
	}

	sub.ctx, sub.cancel = context.WithCancel(context.Background())
	sub.done = make(chan struct{})
	m.subs[sub.payloadType] = sub

	period := m.conn.pollFrequency()
	go sub.run(period)

	m.logger.Info("Subscription started", logging.LogFields{
		"payload_type":   sub.payloadType.String(),
		"poll_frequency": period.String(),
		"entity":         m.conn.ReceiverName(),
	})
	return sub, true, nil
}

func (m *Messenger) subscriptionFor(typ reflect.Type) *subscription {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return m.subs[typ]
}

// pollOnce runs a single tick of the subscription for typ outside its
// ticker. It reports whether a tick ran.
func (m *Messenger) pollOnce(typ reflect.Type) bool {
	sub := m.subscriptionFor(typ)
	if sub == nil {
		return false
	}
	return sub.tryTick()
}

type delivery[T any] struct {
	msg Message[T]
	err error
}

// Receive polls the receiver entity for T in the background and hands every
// new message to onSuccess. A failed tick is reported to onError and tracks
// nothing; the poll keeps running. A second registration for the same T is
// ignored; one for a T already streamed by StartReceive fails with
// ErrSubscriptionKindMismatch.
func Receive[T any](m *Messenger, onSuccess func(Message[T]), onError func(error), batchSize int) error {
	if onSuccess == nil {
		return errors.New("queueflow: onSuccess callback is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	typ := reflect.TypeFor[T]()
	deliveries := make(chan delivery[T], max(batchSize, 1))

	sub := &subscription{payloadType: typ, topic: topicFor(typ), kind: callbackSubscription}
	sub.tick = func(ctx context.Context) {
		batch, err := pollBatch[T](ctx, m, batchSize)
		send := func(d delivery[T]) bool {
			select {
			case deliveries <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err != nil {
			m.logger.Error("Poll failed", err, logging.LogFields{"payload_type": typ.String()})
			send(delivery[T]{err: err})
			return
		}
		for _, e := range batch {
			if !send(delivery[T]{msg: e.Message}) {
				return
			}
		}
	}

	if _, installed, err := m.install(sub); err != nil || !installed {
		return err
	}

	go dispatch(sub.ctx, m.logger, deliveries, onSuccess, onError)
	return nil
}

// dispatch runs the callbacks of a Receive subscription until ctx is done.
func dispatch[T any](ctx context.Context, logger logging.ServiceLogger, deliveries <-chan delivery[T], onSuccess func(Message[T]), onError func(error)) {
	for {
		var d delivery[T]
		select {
		case <-ctx.Done():
			return
		case d = <-deliveries:
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("queueflow: receive callback panicked: %v", r)
					logger.Error("Receive callback panicked", err, nil)
					if d.err == nil {
						onError(err)
					}
				}
			}()
			if d.err != nil {
				onError(d.err)
				return
			}
			onSuccess(d.msg)
		}()
	}
}

// Result is one element of a Stream: a delivered message or the error of a
// failed poll tick.
type Result[T any] struct {
	Message Message[T]
	Err     error
}

// Stream is the pull-style view of a background poll for T. Subscribers
// attach and detach independently of the poll; only CancelReceive stops it.
type Stream[T any] struct {
	m   *Messenger
	sub *subscription
}

// StartReceive starts polling the receiver entity for T and returns a Stream
// of the delivered messages. Ticks skip the dequeue while the stream has no
// subscribers so no message is tracked without being delivered. Calling it
// again for T returns a Stream over the same poll; calling it for a T that
// Receive already polls fails with ErrSubscriptionKindMismatch.
func StartReceive[T any](m *Messenger, batchSize int) (*Stream[T], error) {
	typ := reflect.TypeFor[T]()
	sub := &subscription{payloadType: typ, topic: topicFor(typ), kind: streamSubscription}
	sub.tick = func(ctx context.Context) {
		if sub.listeners.Load() == 0 {
			return
		}
		batch, err := pollBatch[T](ctx, m, batchSize)
		if err != nil {
			m.logger.Error("Poll failed", err, logging.LogFields{"payload_type": typ.String()})
			m.publish(sub.topic, metadata.NewMessage(watermill.NewUUID(), nil, metadata.Failure(err)))
			return
		}
		for _, e := range batch {
			md := metadata.Delivery(m.conn.ReceiverName(), e.MessageID)
			m.publish(sub.topic, metadata.NewMessage(watermill.NewUUID(), []byte(e.Token), md))
		}
	}

	active, _, err := m.install(sub)
	if err != nil {
		return nil, err
	}
	return &Stream[T]{m: m, sub: active}, nil
}

func (m *Messenger) publish(topic string, msg *message.Message) {
	if err := m.hub.Publish(topic, msg); err != nil {
		m.logger.Error("Failed to publish to stream", err, logging.LogFields{"topic": topic})
	}
}

// Subscribe attaches a subscriber. The channel closes when ctx is done, the
// subscription is cancelled or the messenger is closed.
func (s *Stream[T]) Subscribe(ctx context.Context) (<-chan Result[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := s.m.hub.Subscribe(ctx, s.sub.topic)
	if err != nil {
		cancel()
		return nil, err
	}
	s.sub.listeners.Add(1)

	out := make(chan Result[T])
	go func() {
		defer close(out)
		defer cancel()
		defer s.sub.listeners.Add(-1)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sub.ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				res, deliver := s.resolve(msg)
				msg.Ack()
				if !deliver {
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// All returns a sequence over the stream. Every iteration subscribes anew,
// so the sequence can be ranged over again after a break.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[Message[T], error] {
	return func(yield func(Message[T], error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results, err := s.Subscribe(ctx)
		if err != nil {
			yield(Message[T]{}, err)
			return
		}
		for res := range results {
			if !yield(res.Message, res.Err) {
				return
			}
		}
	}
}

// resolve turns a hub message back into a Result. Messages acknowledged
// before the subscriber saw them are skipped.
func (s *Stream[T]) resolve(msg *message.Message) (Result[T], bool) {
	md := metadata.FromWatermill(msg.Metadata)
	if err := md.Err(); err != nil {
		return Result[T]{Err: err}, true
	}
	token := string(msg.Payload)
	entry, ok := s.m.inflight.get(token)
	if !ok {
		s.m.logger.Debug("Skipping settled stream message", logging.LogFields{
			"entity":     md.Entity(),
			"message_id": md.MessageID(),
		})
		return Result[T]{}, false
	}
	body, ok := entry.payload.(T)
	if !ok {
		return Result[T]{}, false
	}
	return Result[T]{Message: Message[T]{Token: token, Body: body}}, true
}

// CancelReceive stops the background poll for T. It is a no-op when no poll
// is active and never fails.
func CancelReceive[T any](m *Messenger) {
	typ := reflect.TypeFor[T]()

	m.cancelGate.Lock()
	defer m.cancelGate.Unlock()

	m.subsMu.Lock()
	sub, ok := m.subs[typ]
	delete(m.subs, typ)
	m.subsMu.Unlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Cancelling subscription failed", fmt.Errorf("%v", r), logging.LogFields{"payload_type": typ.String()})
		}
	}()
	sub.cancel()
	m.logger.Info("Subscription cancelled", logging.LogFields{"payload_type": typ.String()})
}
