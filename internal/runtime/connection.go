package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/queueflow/internal/runtime/config"
	"github.com/drblury/queueflow/internal/runtime/credential"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/transport"
)

// Connection lazily builds the backend client from the resolved connection
// string and rebuilds it once the credential watermark has passed.
type Connection struct {
	conf     *config.Config
	resolver credential.Resolver
	registry *transport.Registry
	retry    transport.RetryPolicy
	logger   logging.ServiceLogger
	now      func() time.Time

	mu        sync.Mutex
	client    transport.Client
	expiresOn time.Time
	receiver  transport.Queue
	sender    transport.Queue

	// createReceiver is set by updateReceiver when the new entity must be
	// created on its first access.
	createReceiver bool
}

func newConnection(conf *config.Config, resolver credential.Resolver, registry *transport.Registry, retry transport.RetryPolicy, logger logging.ServiceLogger, now func() time.Time) *Connection {
	return &Connection{
		conf:     conf,
		resolver: resolver,
		registry: registry,
		retry:    retry,
		logger:   logger,
		now:      now,
	}
}

// Client returns the current backend client, creating it on first use and
// whenever the credential expiry watermark has been reached.
func (c *Connection) Client(ctx context.Context) (transport.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientLocked(ctx)
}

func (c *Connection) clientLocked(ctx context.Context) (transport.Client, error) {
	if c.client != nil && (c.expiresOn.IsZero() || c.now().Before(c.expiresOn)) {
		return c.client, nil
	}

	if c.client != nil {
		c.logger.Info("Credential watermark reached, rebuilding backend client", logging.LogFields{"expires_on": c.expiresOn})
		c.resetLocked()
	}

	client, expiresOn, err := c.build(ctx)
	if err != nil {
		c.resetLocked()
		return nil, err
	}

	c.client = client
	c.expiresOn = expiresOn
	c.logger.Info("Backend client created", logging.LogFields{
		"backend":    c.conf.Backend,
		"instance":   c.conf.InstanceName(),
		"expires_on": expiresOn,
	})
	return client, nil
}

func (c *Connection) build(ctx context.Context) (transport.Client, time.Time, error) {
	raw, expiresOn, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, time.Time{}, asConnectionError(err)
	}

	cs, err := transport.ParseConnectionString(raw)
	if err != nil {
		return nil, time.Time{}, asConnectionError(err)
	}

	base, err := c.registry.Build(ctx, c.conf.Backend, cs, logging.NewWatermillAdapter(c.logger))
	if err != nil {
		return nil, time.Time{}, asConnectionError(err)
	}
	client := transport.WithRetry(base, c.retry)

	if r := c.conf.Receiver; r != nil && r.CreateEntityIfNotExists {
		if err := client.Queue(r.EntityName).CreateIfNotExists(ctx); err != nil {
			_ = client.Close()
			return nil, time.Time{}, asConnectionError(err)
		}
	}
	if s := c.conf.Sender; s != nil && s.CreateEntityIfNotExists {
		if err := client.Queue(s.EntityName).CreateIfNotExists(ctx); err != nil {
			_ = client.Close()
			return nil, time.Time{}, asConnectionError(err)
		}
	}
	return client, expiresOn, nil
}

// Receiver returns the receiver entity.
func (c *Connection) Receiver(ctx context.Context) (transport.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conf.Receiver == nil {
		return nil, errspkg.ErrReceiverNotConfigured
	}
	client, err := c.clientLocked(ctx)
	if err != nil {
		return nil, err
	}
	if c.receiver == nil {
		q := client.Queue(c.conf.Receiver.EntityName)
		if c.createReceiver {
			if err := q.CreateIfNotExists(ctx); err != nil {
				return nil, err
			}
			c.createReceiver = false
		}
		c.receiver = q
	}
	return c.receiver, nil
}

// Sender returns the sender entity.
func (c *Connection) Sender(ctx context.Context) (transport.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conf.Sender == nil {
		return nil, errspkg.ErrSenderNotConfigured
	}
	client, err := c.clientLocked(ctx)
	if err != nil {
		return nil, err
	}
	if c.sender == nil {
		c.sender = client.Queue(c.conf.Sender.EntityName)
	}
	return c.sender, nil
}

// Capabilities describes the current backend. It is the zero value until a
// client has been built.
func (c *Connection) Capabilities() transport.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return transport.Capabilities{}
	}
	return transport.CapabilitiesOf(c.client)
}

// ReceiverName returns the configured receiver entity, or "" when unset.
func (c *Connection) ReceiverName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conf.Receiver == nil {
		return ""
	}
	return c.conf.Receiver.EntityName
}

// SenderName returns the configured sender entity, or "" when unset.
func (c *Connection) SenderName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conf.Sender == nil {
		return ""
	}
	return c.conf.Sender.EntityName
}

func (c *Connection) pollFrequency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conf.Receiver.Poll()
}

func (c *Connection) removesUndecodable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conf.Receiver != nil && c.conf.Receiver.RemoveSerializationFailureMessages
}

// updateReceiver points the receiver at entityName. The cached queue is
// dropped so the next access picks up the new entity.
func (c *Connection) updateReceiver(entityName string, createIfNotExists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conf.Receiver == nil {
		c.conf.Receiver = config.NewReceiverConfig(entityName)
		c.conf.Receiver.CreateEntityIfNotExists = createIfNotExists
	} else {
		c.conf.Receiver.SetEntityName(entityName)
	}
	c.createReceiver = c.conf.Receiver.CreateEntityIfNotExists && c.client != nil
	c.receiver = nil
}

// Close releases the backend client. The next call builds a new one.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

func (c *Connection) resetLocked() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	c.client = nil
	c.expiresOn = time.Time{}
	c.receiver = nil
	c.sender = nil
	c.createReceiver = false
	return err
}

func asConnectionError(err error) error {
	var connErr *errspkg.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &errspkg.ConnectionError{Err: err}
}
