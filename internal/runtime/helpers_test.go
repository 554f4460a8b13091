package runtime

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/internal/runtime/config"
	"github.com/drblury/queueflow/internal/runtime/jsoncodec"
	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/memory"
)

type order struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

type invoice struct {
	Number int `json:"number"`
}

var testAccountKey = base64.StdEncoding.EncodeToString([]byte("queueflow-test-key"))

func testConnectionString(account string) string {
	return "DefaultEndpointsProtocol=https;AccountName=" + account + ";AccountKey=" + testAccountKey + ";EndpointSuffix=core.windows.net"
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func memoryRegistry(clock *fakeClock) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register(memory.TransportName, func(_ context.Context, cs transport.ConnectionString, logger watermill.LoggerAdapter) (transport.Client, error) {
		return memory.Open(cs, memory.WithClock(clock.Now), memory.WithLogger(logger))
	})
	return reg
}

func testDependencies(reg *transport.Registry, clock *fakeClock) MessengerDependencies {
	return MessengerDependencies{
		Registry:          reg,
		MetricsRegisterer: prometheus.NewRegistry(),
		RetryPolicy:       &transport.RetryPolicy{Interval: time.Millisecond, MaxAttempts: 1},
		SettleDelay:       -1,
		Clock:             clock.Now,
	}
}

func memoryConfig(account, entity string) *config.Config {
	return &config.Config{
		Backend:     memory.TransportName,
		Credentials: config.ConnectionStringCredentials{ConnectionString: testConnectionString(account)},
		Receiver:    &config.ReceiverConfig{EntityName: entity, CreateEntityIfNotExists: true, PollFrequency: time.Hour},
		Sender:      &config.SenderConfig{EntityName: entity, CreateEntityIfNotExists: true},
	}
}

// newMemoryMessenger returns a messenger whose sender and receiver share one
// in-process entity. The poll frequency is an hour so tests drive ticks with
// pollOnce.
func newMemoryMessenger(t *testing.T, mutate ...func(*config.Config)) (*Messenger, *fakeClock) {
	t.Helper()
	memory.Reset()
	t.Cleanup(memory.Reset)

	clock := newFakeClock()
	conf := memoryConfig("acct", "orders")
	for _, fn := range mutate {
		fn(conf)
	}
	m, err := NewMessenger(conf, nil, testDependencies(memoryRegistry(clock), clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

// scriptedQueue is a transport.Queue that returns queued batches and records
// every call.
type scriptedQueue struct {
	mu sync.Mutex

	name    string
	batches [][]transport.Message

	enqueued   [][]byte
	deleted    []transport.Message
	updated    []visibilityUpdate
	calls      int
	deleteErr  error
	updateErr  error
	dequeueErr error
	count      int64
}

type visibilityUpdate struct {
	msg       transport.Message
	extension time.Duration
	body      []byte
}

func newScriptedQueue(name string) *scriptedQueue {
	return &scriptedQueue{name: name}
}

func (q *scriptedQueue) push(msgs ...transport.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, msgs)
}

func (q *scriptedQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func (q *scriptedQueue) Name() string { return q.name }
func (q *scriptedQueue) URL() string  { return "https://acct.queue.core.windows.net/" + q.name }

func (q *scriptedQueue) Enqueue(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.enqueued = append(q.enqueued, body)
	return "id", nil
}

func (q *scriptedQueue) DequeueBatch(_ context.Context, max int) ([]transport.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.dequeueErr != nil {
		return nil, q.dequeueErr
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	if len(batch) > max {
		batch = batch[:max]
	}
	return batch, nil
}

func (q *scriptedQueue) Delete(_ context.Context, msg transport.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.deleteErr != nil {
		return q.deleteErr
	}
	q.deleted = append(q.deleted, msg)
	return nil
}

func (q *scriptedQueue) UpdateVisibility(_ context.Context, msg transport.Message, extension time.Duration, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.updateErr != nil {
		return q.updateErr
	}
	q.updated = append(q.updated, visibilityUpdate{msg: msg, extension: extension, body: body})
	return nil
}

func (q *scriptedQueue) ApproximateCount(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.count, nil
}

func (q *scriptedQueue) CreateIfNotExists(context.Context) error { return nil }
func (q *scriptedQueue) DeleteIfExists(context.Context) error    { return nil }
func (q *scriptedQueue) Exists(context.Context) (bool, error)    { return true, nil }

func (q *scriptedQueue) SignAccessPolicy(transport.Permission, time.Time) (string, error) {
	return "", transport.ErrNotSupported
}

type scriptedClient struct {
	queue *scriptedQueue
	caps  transport.Capabilities
}

func (c *scriptedClient) Queue(string) transport.Queue         { return c.queue }
func (c *scriptedClient) Close() error                         { return nil }
func (c *scriptedClient) Capabilities() transport.Capabilities { return c.caps }

// newScriptedMessenger returns a messenger backed by a single scripted queue.
func newScriptedMessenger(t *testing.T, mutate ...func(*config.Config)) (*Messenger, *scriptedQueue) {
	t.Helper()
	queue := newScriptedQueue("orders")
	client := &scriptedClient{queue: queue, caps: transport.MemoryCapabilities}

	clock := newFakeClock()
	reg := transport.NewRegistry()
	reg.Register("scripted", func(context.Context, transport.ConnectionString, watermill.LoggerAdapter) (transport.Client, error) {
		return client, nil
	})

	conf := memoryConfig("acct", "orders")
	conf.Backend = "scripted"
	conf.Receiver.CreateEntityIfNotExists = false
	conf.Sender.CreateEntityIfNotExists = false
	for _, fn := range mutate {
		fn(conf)
	}
	m, err := NewMessenger(conf, nil, testDependencies(reg, clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, queue
}

func envelopeMessage(t *testing.T, id string, body any, props map[string]any) transport.Message {
	t.Helper()
	data, err := jsoncodec.Marshal(map[string]any{"Body": body, "Properties": props})
	require.NoError(t, err)
	return transport.Message{ID: id, Receipt: id + "-r1", Body: data, DequeueCount: 1}
}
