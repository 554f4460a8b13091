package runtime

import (
	"context"
	"strings"
	"time"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/transport"
)

// EntityMessageCount is the approximate number of messages in an entity.
type EntityMessageCount struct {
	ActiveEntityCount int64 `json:"active_entity_count"`
}

// EntityManager performs administrative operations on queue entities.
type EntityManager struct {
	conn        *Connection
	settleDelay time.Duration
	logger      logging.ServiceLogger
}

func newEntityManager(conn *Connection, settleDelay time.Duration, logger logging.ServiceLogger) *EntityManager {
	return &EntityManager{conn: conn, settleDelay: settleDelay, logger: logger}
}

// ReceiverMessageCount returns the approximate message count of the receiver entity.
func (e *EntityManager) ReceiverMessageCount(ctx context.Context) (EntityMessageCount, error) {
	queue, err := e.conn.Receiver(ctx)
	if err != nil {
		return EntityMessageCount{}, err
	}
	return countOf(ctx, queue)
}

// SenderMessageCount returns the approximate message count of the sender entity.
func (e *EntityManager) SenderMessageCount(ctx context.Context) (EntityMessageCount, error) {
	queue, err := e.conn.Sender(ctx)
	if err != nil {
		return EntityMessageCount{}, err
	}
	return countOf(ctx, queue)
}

func countOf(ctx context.Context, queue transport.Queue) (EntityMessageCount, error) {
	n, err := queue.ApproximateCount(ctx)
	if err != nil {
		return EntityMessageCount{}, err
	}
	return EntityMessageCount{ActiveEntityCount: n}, nil
}

// ReceiverEntityUsagePercentage is not available without control-plane access.
func (e *EntityManager) ReceiverEntityUsagePercentage(context.Context) (float64, error) {
	return 0, &errspkg.NotSupportedError{Operation: "receiver entity usage percentage", Err: transport.ErrNotSupported}
}

// SenderEntityUsagePercentage is not available without control-plane access.
func (e *EntityManager) SenderEntityUsagePercentage(context.Context) (float64, error) {
	return 0, &errspkg.NotSupportedError{Operation: "sender entity usage percentage", Err: transport.ErrNotSupported}
}

// IsReceiverEntityDisabled always reports false; queue entities cannot be disabled.
func (e *EntityManager) IsReceiverEntityDisabled(context.Context) (bool, error) {
	return false, nil
}

// IsSenderEntityDisabled always reports false; queue entities cannot be disabled.
func (e *EntityManager) IsSenderEntityDisabled(context.Context) (bool, error) {
	return false, nil
}

// CreateEntity creates entityName if it does not exist and waits for the
// backend to settle.
func (e *EntityManager) CreateEntity(ctx context.Context, entityName string) error {
	name := strings.ToLower(entityName)
	client, err := e.conn.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.Queue(name).CreateIfNotExists(ctx); err != nil {
		return err
	}
	e.logger.Info("Entity created", logging.LogFields{"entity": name})
	return e.settle(ctx)
}

// DeleteEntity deletes entityName if it exists and waits for the backend to
// settle.
func (e *EntityManager) DeleteEntity(ctx context.Context, entityName string) error {
	name := strings.ToLower(entityName)
	client, err := e.conn.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.Queue(name).DeleteIfExists(ctx); err != nil {
		return err
	}
	e.logger.Info("Entity deleted", logging.LogFields{"entity": name})
	return e.settle(ctx)
}

// EntityExists reports whether entityName exists.
func (e *EntityManager) EntityExists(ctx context.Context, entityName string) (bool, error) {
	client, err := e.conn.Client(ctx)
	if err != nil {
		return false, err
	}
	return client.Queue(strings.ToLower(entityName)).Exists(ctx)
}

func (e *EntityManager) settle(ctx context.Context) error {
	if e.settleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.settleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
