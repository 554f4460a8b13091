package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/queueflow/internal/runtime/accesspolicy"
	"github.com/drblury/queueflow/internal/runtime/config"
	"github.com/drblury/queueflow/internal/runtime/credential"
	"github.com/drblury/queueflow/internal/runtime/envelope"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/transport"
)

const (
	// MaxEnvelopeBytes is the largest serialized envelope Send accepts.
	MaxEnvelopeBytes = 64 * 1024

	// AbandonVisibility is how long an abandoned message stays hidden before
	// it becomes eligible for redelivery.
	AbandonVisibility = 10 * time.Second

	// DefaultSettleDelay is waited after entity create and delete calls.
	DefaultSettleDelay = 2 * time.Second

	tracerName = "queueflow-messenger"
)

// MessengerDependencies holds the optional collaborators of a Messenger.
// Leave fields nil to use the defaults.
type MessengerDependencies struct {
	// Registry resolves Config.Backend. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Resolver overrides the credential provider built from Config.Credentials.
	Resolver credential.Resolver
	// CredentialCache replaces credential.DefaultCache for the default provider.
	CredentialCache *credential.Cache
	// HTTPClient is used for token and management-plane requests.
	HTTPClient *http.Client
	// MetricsRegisterer receives the messenger collectors. Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// RetryPolicy wraps every backend call. Defaults to transport.DefaultRetryPolicy.
	RetryPolicy *transport.RetryPolicy
	// SettleDelay overrides DefaultSettleDelay. Negative disables the delay.
	SettleDelay time.Duration
	// Clock replaces time.Now.
	Clock func() time.Time
}

// Messenger sends typed payloads to the sender entity and receives them from
// the receiver entity, tracking every delivered message until it is
// completed, abandoned or errored.
type Messenger struct {
	conf   *config.Config
	logger logging.ServiceLogger

	conn     *Connection
	inflight *inflightRegistry
	metrics  *Metrics
	tracer   trace.Tracer
	entities *EntityManager

	receiveGate sync.Mutex
	cancelGate  sync.Mutex

	subsMu sync.RWMutex
	subs   map[reflect.Type]*subscription
	hub    *gochannel.GoChannel

	closed atomic.Bool
}

// NewMessenger validates conf and builds a Messenger. No network access
// happens until the first operation that needs the backend.
func NewMessenger(conf *config.Config, log logging.ServiceLogger, deps MessengerDependencies) (*Messenger, error) {
	if err := config.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NopLogger()
	}

	owned := cloneConfig(conf)
	owned.Normalize()

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	retry := transport.DefaultRetryPolicy
	if deps.RetryPolicy != nil {
		retry = *deps.RetryPolicy
	}
	settle := DefaultSettleDelay
	switch {
	case deps.SettleDelay < 0:
		settle = 0
	case deps.SettleDelay > 0:
		settle = deps.SettleDelay
	}

	log = log.With(logging.LogFields{"instance": owned.InstanceName(), "backend": owned.Backend})

	resolver := deps.Resolver
	if resolver == nil {
		opts := []credential.Option{credential.WithLogger(log), credential.WithClock(now)}
		if deps.CredentialCache != nil {
			opts = append(opts, credential.WithCache(deps.CredentialCache))
		}
		if deps.HTTPClient != nil {
			opts = append(opts, credential.WithHTTPClient(deps.HTTPClient))
		}
		resolver = credential.NewProvider(owned, opts...)
	}

	metrics := NewMetrics(deps.MetricsRegisterer)
	if err := metrics.Register(); err != nil {
		return nil, fmt.Errorf("register messenger metrics: %w", err)
	}

	conn := newConnection(owned, resolver, registry, retry, log, now)
	m := &Messenger{
		conf:     owned,
		logger:   log,
		conn:     conn,
		inflight: newInflightRegistry(),
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
		subs:     make(map[reflect.Type]*subscription),
		hub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: streamBuffer,
		}, logging.NewWatermillAdapter(log)),
	}
	m.entities = newEntityManager(conn, settle, log)

	log.Info("Messenger created", logging.LogFields{"config": owned})
	return m, nil
}

func cloneConfig(conf *config.Config) *config.Config {
	c := *conf
	if conf.Receiver != nil {
		r := *conf.Receiver
		c.Receiver = &r
	}
	if conf.Sender != nil {
		s := *conf.Sender
		c.Sender = &s
	}
	return &c
}

// Name returns the account identifier of the configured credentials.
func (m *Messenger) Name() string {
	return m.conf.InstanceName()
}

// Metrics exposes the messenger counters.
func (m *Messenger) Metrics() *Metrics {
	return m.metrics
}

// EntityManager returns the entity admin facade.
func (m *Messenger) EntityManager() *EntityManager {
	return m.entities
}

// InFlight returns the number of delivered, unacknowledged messages.
func (m *Messenger) InFlight() int {
	return m.inflight.len()
}

// Send wraps body and props into an envelope and enqueues it on the sender
// entity. Envelopes larger than MaxEnvelopeBytes fail before any I/O.
func (m *Messenger) Send(ctx context.Context, body any, props map[string]any) error {
	if m.closed.Load() {
		return errspkg.ErrMessengerClosed
	}

	data, err := envelope.New(body, props).AsJSON()
	if err != nil {
		return fmt.Errorf("queueflow: encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return &errspkg.MessageTooLargeError{Size: len(data), Limit: MaxEnvelopeBytes}
	}

	queue, err := m.conn.Sender(ctx)
	if err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "queueflow.send", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", queue.Name()),
			attribute.Int("messaging.message.body.size", len(data)),
		))
	defer span.End()

	id, err := queue.Enqueue(ctx, data)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("messaging.message.id", id))
	m.metrics.RecordSent(queue.Name(), len(data))
	return nil
}

// SendBatch sends every body in order, one at a time. setProps, when set,
// supplies the properties of each body. It stops at the first failure.
func SendBatch[T any](ctx context.Context, m *Messenger, bodies []T, setProps func(T) map[string]any) error {
	for i, body := range bodies {
		var props map[string]any
		if setProps != nil {
			props = setProps(body)
		}
		if err := m.Send(ctx, body, props); err != nil {
			return fmt.Errorf("queueflow: send batch item %d: %w", i, err)
		}
	}
	return nil
}

// UpdateReceiver switches the receiver to entityName. createIfNotExists only
// applies when no receiver was configured before.
func (m *Messenger) UpdateReceiver(entityName string, createIfNotExists bool) {
	m.conn.updateReceiver(entityName, createIfNotExists)
	m.logger.Info("Receiver updated", logging.LogFields{"entity": m.conn.ReceiverName()})
}

// SignedAccessURL mints a time-bounded URL granting cfg.Permissions on the
// receiver entity.
func (m *Messenger) SignedAccessURL(ctx context.Context, cfg accesspolicy.SignedAccessConfig) (string, error) {
	queue, err := m.conn.Receiver(ctx)
	if err != nil {
		return "", err
	}
	return accesspolicy.SignedURL(queue, cfg)
}

// tracked returns the in-flight entry of token. Strings that are not
// delivery tokens are rejected without consulting the registry.
func (m *Messenger) tracked(token string) (inflightEntry, error) {
	if !ids.IsDeliveryToken(token) {
		return inflightEntry{}, &errspkg.MessageNotTrackedError{Token: token, Malformed: true}
	}
	entry, ok := m.inflight.get(token)
	if !ok {
		return inflightEntry{}, &errspkg.MessageNotTrackedError{Token: token}
	}
	return entry, nil
}

// Complete deletes the message behind token and stops tracking it. The
// entry is kept when the delete fails so the call can be retried.
func (m *Messenger) Complete(ctx context.Context, token string) error {
	entry, err := m.tracked(token)
	if err != nil {
		return err
	}

	queue, err := m.queueOf(ctx, entry)
	if err != nil {
		return err
	}

	ctx, span := m.ackSpan(ctx, "queueflow.complete", entry)
	defer span.End()

	if err := queue.Delete(ctx, entry.message); err != nil {
		recordSpanError(span, err)
		return err
	}
	if _, ok := m.inflight.remove(token); ok {
		m.metrics.RecordCompleted(entry.entity)
	}
	return nil
}

// CompleteAll stops tracking every token without deleting the messages from
// the backend. Unknown tokens are reported together.
func (m *Messenger) CompleteAll(tokens ...string) error {
	var errs []error
	for _, token := range tokens {
		if !ids.IsDeliveryToken(token) {
			errs = append(errs, &errspkg.MessageNotTrackedError{Token: token, Malformed: true})
			continue
		}
		entry, ok := m.inflight.remove(token)
		if !ok {
			errs = append(errs, &errspkg.MessageNotTrackedError{Token: token})
			continue
		}
		m.metrics.RecordCompleted(entry.entity)
	}
	return errors.Join(errs...)
}

// Abandon makes the message behind token visible again after
// AbandonVisibility and stops tracking it. When props is non-empty and the
// backend can rewrite content, the merged properties are stored with the
// message so the next delivery carries them.
func (m *Messenger) Abandon(ctx context.Context, token string, props map[string]any) error {
	entry, err := m.tracked(token)
	if err != nil {
		return err
	}

	queue, err := m.queueOf(ctx, entry)
	if err != nil {
		return err
	}

	var content []byte
	if len(props) > 0 {
		if m.conn.Capabilities().SupportsContentUpdate {
			merged := envelope.MergeProperties(entry.properties, props)
			content, err = envelope.New(entry.payload, merged).AsJSON()
			if err != nil {
				return fmt.Errorf("queueflow: encode envelope: %w", err)
			}
		} else {
			m.logger.Debug("Backend cannot rewrite message content, properties dropped", logging.LogFields{
				"entity": entry.entity,
				"token":  token,
			})
		}
	}

	ctx, span := m.ackSpan(ctx, "queueflow.abandon", entry)
	defer span.End()

	if err := queue.UpdateVisibility(ctx, entry.message, AbandonVisibility, content); err != nil {
		recordSpanError(span, err)
		return err
	}
	if _, ok := m.inflight.remove(token); ok {
		m.metrics.RecordAbandoned(entry.entity)
	}
	return nil
}

// Error deletes the message behind token. The entry is removed even when the
// delete fails. reason is only logged; the backend has no dead-letter entity.
func (m *Messenger) Error(ctx context.Context, token string, reason string) error {
	entry, err := m.tracked(token)
	if err != nil {
		return err
	}
	defer func() {
		if _, ok := m.inflight.remove(token); ok {
			m.metrics.RecordErrored(entry.entity)
		}
	}()

	queue, err := m.queueOf(ctx, entry)
	if err != nil {
		return err
	}

	ctx, span := m.ackSpan(ctx, "queueflow.error", entry)
	defer span.End()

	m.logger.Debug("Message errored", logging.LogFields{"entity": entry.entity, "token": token, "reason": reason})
	if err := queue.Delete(ctx, entry.message); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// ReadProperties returns the envelope properties of a tracked message.
func (m *Messenger) ReadProperties(token string) (map[string]any, error) {
	entry, err := m.tracked(token)
	if err != nil {
		return nil, err
	}
	return entry.properties, nil
}

// ReadPropertiesAs materializes the properties of a tracked message into O.
func ReadPropertiesAs[O any](m *Messenger, token string) (O, error) {
	props, err := m.ReadProperties(token)
	if err != nil {
		var zero O
		return zero, err
	}
	return envelope.PropertiesAs[O](props)
}

// Close cancels every subscription without waiting for running polls, drops
// all tracked messages and releases the backend client.
func (m *Messenger) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.cancelGate.Lock()
	m.subsMu.Lock()
	for typ, sub := range m.subs {
		sub.cancel()
		delete(m.subs, typ)
	}
	m.subsMu.Unlock()
	m.cancelGate.Unlock()

	m.inflight.clear()
	m.metrics.ResetInFlight()

	err := errors.Join(m.hub.Close(), m.conn.Close())
	m.logger.Info("Messenger closed", nil)
	return err
}

// queueOf returns the entity entry was received from, which may differ from
// the current receiver after UpdateReceiver.
func (m *Messenger) queueOf(ctx context.Context, entry inflightEntry) (transport.Queue, error) {
	if entry.entity == m.conn.ReceiverName() {
		return m.conn.Receiver(ctx)
	}
	client, err := m.conn.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Queue(entry.entity), nil
}

func (m *Messenger) ackSpan(ctx context.Context, name string, entry inflightEntry) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", entry.entity),
			attribute.String("messaging.message.id", entry.message.ID),
			attribute.String("queueflow.token", entry.token),
		))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
