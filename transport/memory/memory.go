// Package memory is an in-process queue backend with visibility timeouts.
// Queues are shared per account name across every client in the process, so
// a sender and a receiver built from the same connection string see the same
// messages.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/queueflow/transport"
)

// TransportName is the registry name of this backend.
const TransportName = "memory"

// DefaultVisibilityTimeout hides a dequeued message until it is deleted or
// its visibility is updated.
const DefaultVisibilityTimeout = 30 * time.Second

// ErrMessageNotFound is returned when a delete or update targets a message
// that is no longer in the queue.
var ErrMessageNotFound = errors.New("memory: message not found")

func init() {
	transport.Register(TransportName, Build)
}

// Build is the transport.Builder for the memory backend.
func Build(_ context.Context, cs transport.ConnectionString, logger watermill.LoggerAdapter) (transport.Client, error) {
	return Open(cs, WithLogger(logger))
}

// Option customises a Client.
type Option func(*Client)

// WithClock replaces time.Now, letting tests expire visibility deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithVisibilityTimeout overrides DefaultVisibilityTimeout for dequeues.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Client) { c.visibility = d }
}

// WithLogger sets the logger used for queue lifecycle events.
func WithLogger(logger watermill.LoggerAdapter) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is a handle to one in-process account.
type Client struct {
	cs         transport.ConnectionString
	acct       *account
	now        func() time.Time
	visibility time.Duration
	logger     watermill.LoggerAdapter
}

// Open attaches to the process-wide account named in cs, creating it on first use.
func Open(cs transport.ConnectionString, opts ...Option) (*Client, error) {
	if cs.AccountName == "" {
		return nil, errors.New("memory: connection string must name an account")
	}
	c := &Client{
		cs:         cs,
		acct:       lookupAccount(cs.AccountName),
		now:        time.Now,
		visibility: DefaultVisibilityTimeout,
		logger:     watermill.NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Queue returns a handle to name. The queue itself may not exist yet.
func (c *Client) Queue(name string) transport.Queue {
	return &Queue{client: c, name: name}
}

// Capabilities describes the memory backend.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Close is a no-op; account state outlives individual clients.
func (c *Client) Close() error { return nil }

// Reset drops every account. Tests call it to isolate state.
func Reset() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.accounts = make(map[string]*account)
}

var registry = struct {
	mu       sync.Mutex
	accounts map[string]*account
}{accounts: make(map[string]*account)}

func lookupAccount(name string) *account {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	acct, ok := registry.accounts[name]
	if !ok {
		acct = &account{queues: make(map[string]*queueState)}
		registry.accounts[name] = acct
	}
	return acct
}

type account struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

type queueState struct {
	messages []*entry
}

type entry struct {
	id           string
	body         []byte
	dequeueCount int
	visibleAt    time.Time
	receipt      string
}

// Queue is a handle to a single in-process queue.
type Queue struct {
	client *Client
	name   string
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) URL() string {
	return q.client.cs.Endpoint() + "/" + q.name
}

// withState runs fn with the account lock held and the queue state resolved.
func (q *Queue) withState(fn func(*queueState) error) error {
	acct := q.client.acct
	acct.mu.Lock()
	defer acct.mu.Unlock()
	state, ok := acct.queues[q.name]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrQueueNotFound, q.name)
	}
	return fn(state)
}

func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	err := q.withState(func(s *queueState) error {
		s.messages = append(s.messages, &entry{
			id:        id,
			body:      append([]byte(nil), body...),
			visibleAt: q.client.now(),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}
	var out []transport.Message
	err := q.withState(func(s *queueState) error {
		now := q.client.now()
		for _, e := range s.messages {
			if len(out) == max {
				break
			}
			if e.visibleAt.After(now) {
				continue
			}
			e.dequeueCount++
			e.receipt = uuid.NewString()
			e.visibleAt = now.Add(q.client.visibility)
			out = append(out, transport.Message{
				ID:           e.id,
				Receipt:      e.receipt,
				Body:         append([]byte(nil), e.body...),
				DequeueCount: e.dequeueCount,
			})
		}
		return nil
	})
	return out, err
}

func (q *Queue) Delete(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withState(func(s *queueState) error {
		for i, e := range s.messages {
			if e.id != msg.ID {
				continue
			}
			if e.receipt != msg.Receipt {
				return transport.ErrReceiptMismatch
			}
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
		return ErrMessageNotFound
	})
}

func (q *Queue) UpdateVisibility(ctx context.Context, msg transport.Message, extension time.Duration, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withState(func(s *queueState) error {
		for _, e := range s.messages {
			if e.id != msg.ID {
				continue
			}
			if e.receipt != msg.Receipt {
				return transport.ErrReceiptMismatch
			}
			e.visibleAt = q.client.now().Add(extension)
			if body != nil {
				e.body = append([]byte(nil), body...)
			}
			return nil
		}
		return ErrMessageNotFound
	})
}

func (q *Queue) ApproximateCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.withState(func(s *queueState) error {
		n = int64(len(s.messages))
		return nil
	})
	return n, err
}

func (q *Queue) CreateIfNotExists(ctx context.Context) error {
	acct := q.client.acct
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if _, ok := acct.queues[q.name]; !ok {
		acct.queues[q.name] = &queueState{}
		q.client.logger.Debug("memory queue created", watermill.LogFields{"queue": q.name})
	}
	return nil
}

func (q *Queue) DeleteIfExists(ctx context.Context) error {
	acct := q.client.acct
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if _, ok := acct.queues[q.name]; ok {
		delete(acct.queues, q.name)
		q.client.logger.Debug("memory queue deleted", watermill.LogFields{"queue": q.name})
	}
	return nil
}

func (q *Queue) Exists(ctx context.Context) (bool, error) {
	acct := q.client.acct
	acct.mu.Lock()
	defer acct.mu.Unlock()
	_, ok := acct.queues[q.name]
	return ok, nil
}

func (q *Queue) SignAccessPolicy(perms transport.Permission, expiry time.Time) (string, error) {
	return transport.SignQueueAccess(q.client.cs, q.name, perms, expiry)
}

// Names lists the queues of the client's account, sorted.
func (c *Client) Names() []string {
	c.acct.mu.Lock()
	defer c.acct.mu.Unlock()
	names := make([]string, 0, len(c.acct.queues))
	for name := range c.acct.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
