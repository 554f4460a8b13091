// Package storagequeue provides the Azure Storage Queue backend for
// queueflow. The connection string is consumed as the service defines it:
// AccountName and AccountKey sign every request with the shared key, and
// QueueEndpoint overrides the derived endpoint (Azurite, sovereign clouds).
package storagequeue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/queueflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "storagequeue"

// maxVisibility is the service ceiling for a visibility timeout.
const maxVisibility = 7 * 24 * time.Hour

func init() {
	transport.Register(TransportName, Build)
}

// Options tunes the SDK pipeline of clients created by Build.
var Options = azcore.ClientOptions{}

// Build creates a client signing requests with the account key of cs.
func Build(_ context.Context, cs transport.ConnectionString, logger watermill.LoggerAdapter) (transport.Client, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cred, err := transport.SharedKeyCredential(cs)
	if err != nil {
		return nil, err
	}
	opts := Options
	// The transport retry decorator owns retries.
	opts.Retry = policy.RetryOptions{MaxRetries: -1}
	service, err := azqueue.NewServiceClientWithSharedKeyCredential(cs.Endpoint(), cred, &azqueue.ClientOptions{ClientOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("storagequeue: create service client: %w", err)
	}
	logger.Info("Created storage queue client", watermill.LogFields{
		"account":         cs.AccountName,
		"custom_endpoint": cs.QueueEndpoint != "",
	})
	return &Client{service: service, cs: cs, logger: logger}, nil
}

// Client hands out queue handles of one storage account.
type Client struct {
	service *azqueue.ServiceClient
	cs      transport.ConnectionString
	logger  watermill.LoggerAdapter
}

// Queue returns a handle to name.
func (c *Client) Queue(name string) transport.Queue {
	return &Queue{client: c, api: c.service.NewQueueClient(name), name: name}
}

// Capabilities describes the storage queue backend.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.StorageQueueCapabilities
}

// Close is a no-op; the SDK pipeline holds no long-lived resources.
func (c *Client) Close() error { return nil }

// Queue is a handle to one storage queue.
type Queue struct {
	client *Client
	api    *azqueue.QueueClient
	name   string
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) URL() string { return q.api.URL() }

func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	resp, err := q.api.EnqueueMessage(ctx, string(body), nil)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil {
		return "", errors.New("storagequeue: enqueue returned no message")
	}
	return deref(resp.Messages[0].MessageID), nil
}

func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]transport.Message, error) {
	n := int32(transport.StorageQueueCapabilities.ClampBatch(max))
	resp, err := q.api.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: &n})
	if err != nil {
		return nil, classify(err)
	}
	msgs := make([]transport.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil {
			continue
		}
		var count int
		if m.DequeueCount != nil {
			count = int(*m.DequeueCount)
		}
		msgs = append(msgs, transport.Message{
			ID:           deref(m.MessageID),
			Receipt:      deref(m.PopReceipt),
			Body:         []byte(deref(m.MessageText)),
			DequeueCount: count,
		})
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, msg transport.Message) error {
	_, err := q.api.DeleteMessage(ctx, msg.ID, msg.Receipt, nil)
	return classify(err)
}

// UpdateVisibility hides msg for extension. The service always rewrites the
// content, so a nil body resends the dequeued one. The pop receipt rotates.
func (q *Queue) UpdateVisibility(ctx context.Context, msg transport.Message, extension time.Duration, body []byte) error {
	if body == nil {
		body = msg.Body
	}
	extension = min(max(extension, 0), maxVisibility)
	_, err := q.api.UpdateMessage(ctx, msg.ID, msg.Receipt, string(body), &azqueue.UpdateMessageOptions{
		VisibilityTimeout: to.Ptr(int32(extension / time.Second)),
	})
	return classify(err)
}

func (q *Queue) ApproximateCount(ctx context.Context) (int64, error) {
	resp, err := q.api.GetProperties(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	if resp.ApproximateMessagesCount == nil {
		return 0, nil
	}
	return int64(*resp.ApproximateMessagesCount), nil
}

func (q *Queue) CreateIfNotExists(ctx context.Context) error {
	_, err := q.api.Create(ctx, nil)
	if queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return nil
	}
	return classify(err)
}

func (q *Queue) DeleteIfExists(ctx context.Context) error {
	_, err := q.api.Delete(ctx, nil)
	if err = classify(err); errors.Is(err, transport.ErrQueueNotFound) {
		return nil
	}
	return err
}

func (q *Queue) Exists(ctx context.Context) (bool, error) {
	_, err := q.api.GetProperties(ctx, nil)
	if err = classify(err); errors.Is(err, transport.ErrQueueNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SignAccessPolicy signs with the account key of the connection string.
func (q *Queue) SignAccessPolicy(perms transport.Permission, expiry time.Time) (string, error) {
	return transport.SignQueueAccess(q.client.cs, q.name, perms, expiry)
}

// classify maps service errors onto transport sentinels and marks retryable ones.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case queueerror.HasCode(err, queueerror.QueueNotFound):
		return fmt.Errorf("%w: %w", transport.ErrQueueNotFound, err)
	case queueerror.HasCode(err, queueerror.PopReceiptMismatch, queueerror.MessageNotFound):
		return fmt.Errorf("%w: %w", transport.ErrReceiptMismatch, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if code := respErr.StatusCode; code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
			return transport.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Anything else failed before a response arrived.
	return transport.Transient(err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
