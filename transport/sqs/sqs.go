// Package sqs provides an Amazon SQS backend for queueflow. The connection
// string maps onto SQS as follows: AccountName is the access key ID,
// AccountKey the secret, Region the AWS region and QueueEndpoint an optional
// endpoint override (LocalStack, ElasticMQ).
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/drblury/queueflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "sqs"

// maxVisibility is the SQS ceiling for ChangeMessageVisibility.
const maxVisibility = 12 * time.Hour

// API is the subset of the SQS client the backend calls.
type API interface {
	GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	CreateQueue(ctx context.Context, in *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, in *amazonsqs.DeleteQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteQueueOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding SQS client creation for testing.
var ClientFactory = func(cfg aws.Config) API {
	return amazonsqs.NewFromConfig(cfg)
}

func init() {
	transport.Register(TransportName, Build)
}

// Build creates an SQS-backed client.
func Build(ctx context.Context, cs transport.ConnectionString, logger watermill.LoggerAdapter) (transport.Client, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	awsCfg, err := createAWSConfig(ctx, cs, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": cs.QueueEndpoint != "",
	})
	return New(ClientFactory(awsCfg), cs, logger), nil
}

// New wraps an existing SQS API.
func New(api API, cs transport.ConnectionString, logger watermill.LoggerAdapter) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Client{api: api, cs: cs, logger: logger, urls: make(map[string]string)}
}

func createAWSConfig(ctx context.Context, cs transport.ConnectionString, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cs.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cs.Region))
	}
	if cs.AccountName != "" && cs.AccountKey != "" {
		logger.Info("Using static AWS credentials from connection string", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(cs.AccountName, cs.AccountKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": cs.Region})
		return aws.Config{}, err
	}
	if cs.Region != "" {
		awsCfg.Region = cs.Region
	}
	if cs.QueueEndpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cs.QueueEndpoint)
	}
	return awsCfg, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// Client resolves and caches queue URLs for one account.
type Client struct {
	api    API
	cs     transport.ConnectionString
	logger watermill.LoggerAdapter

	mu   sync.Mutex
	urls map[string]string
}

// Queue returns a handle to name.
func (c *Client) Queue(name string) transport.Queue {
	return &Queue{client: c, name: name}
}

// Capabilities describes the SQS backend.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (c *Client) Close() error { return nil }

func (c *Client) cachedURL(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.urls[name]
	return u, ok
}

func (c *Client) storeURL(name, u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u == "" {
		delete(c.urls, name)
		return
	}
	c.urls[name] = u
}

// Queue is a handle to one SQS queue.
type Queue struct {
	client *Client
	name   string
}

func (q *Queue) Name() string { return q.name }

// URL returns the resolved queue URL, or the endpoint-derived one if the
// queue has not been resolved yet.
func (q *Queue) URL() string {
	if u, ok := q.client.cachedURL(q.name); ok {
		return u
	}
	return q.client.cs.Endpoint() + "/" + q.name
}

func (q *Queue) resolve(ctx context.Context) (string, error) {
	if u, ok := q.client.cachedURL(q.name); ok {
		return u, nil
	}
	out, err := q.client.api.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(q.name)})
	if err != nil {
		return "", classify(err)
	}
	u := aws.ToString(out.QueueUrl)
	q.client.storeURL(q.name, u)
	return u, nil
}

func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	u, err := q.resolve(ctx)
	if err != nil {
		return "", err
	}
	out, err := q.client.api.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:    aws.String(u),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", classify(err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]transport.Message, error) {
	u, err := q.resolve(ctx)
	if err != nil {
		return nil, err
	}
	out, err := q.client.api.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(u),
		MaxNumberOfMessages:         int32(transport.SQSCapabilities.ClampBatch(max)),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, classify(err)
	}
	msgs := make([]transport.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, transport.Message{
			ID:           aws.ToString(m.MessageId),
			Receipt:      aws.ToString(m.ReceiptHandle),
			Body:         []byte(aws.ToString(m.Body)),
			DequeueCount: count,
		})
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, msg transport.Message) error {
	u, err := q.resolve(ctx)
	if err != nil {
		return err
	}
	_, err = q.client.api.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(u),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	return classify(err)
}

// UpdateVisibility changes the visibility timeout. SQS cannot rewrite message
// bodies, so body is ignored.
func (q *Queue) UpdateVisibility(ctx context.Context, msg transport.Message, extension time.Duration, body []byte) error {
	u, err := q.resolve(ctx)
	if err != nil {
		return err
	}
	if body != nil {
		q.client.logger.Debug("SQS cannot update message content; properties are dropped", watermill.LogFields{
			"queue":      q.name,
			"message_id": msg.ID,
		})
	}
	extension = min(max(extension, 0), maxVisibility)
	_, err = q.client.api.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(u),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: int32(extension / time.Second),
	})
	return classify(err)
}

func (q *Queue) ApproximateCount(ctx context.Context) (int64, error) {
	u, err := q.resolve(ctx)
	if err != nil {
		return 0, err
	}
	out, err := q.client.api.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(u),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, classify(err)
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqs: invalid message count %q: %w", raw, err)
	}
	return n, nil
}

func (q *Queue) CreateIfNotExists(ctx context.Context) error {
	out, err := q.client.api.CreateQueue(ctx, &amazonsqs.CreateQueueInput{QueueName: aws.String(q.name)})
	if err != nil {
		return classify(err)
	}
	q.client.storeURL(q.name, aws.ToString(out.QueueUrl))
	return nil
}

func (q *Queue) DeleteIfExists(ctx context.Context) error {
	u, err := q.resolve(ctx)
	if errors.Is(err, transport.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = q.client.api.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{QueueUrl: aws.String(u)})
	q.client.storeURL(q.name, "")
	if err = classify(err); errors.Is(err, transport.ErrQueueNotFound) {
		return nil
	}
	return err
}

func (q *Queue) Exists(ctx context.Context) (bool, error) {
	q.client.storeURL(q.name, "")
	_, err := q.resolve(ctx)
	if errors.Is(err, transport.ErrQueueNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SignAccessPolicy is not available on SQS; access is governed by IAM.
func (q *Queue) SignAccessPolicy(transport.Permission, time.Time) (string, error) {
	return "", fmt.Errorf("sqs: signed access: %w", transport.ErrNotSupported)
}

type statusCoder interface {
	HTTPStatusCode() int
}

// classify maps SDK errors onto transport sentinels and marks retryable ones.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", transport.ErrQueueNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return fmt.Errorf("%w: %w", transport.ErrQueueNotFound, err)
		case "ThrottlingException", "RequestThrottled", "ServiceUnavailable":
			return transport.Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return transport.Transient(err)
		}
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if code := sc.HTTPStatusCode(); code >= 500 || code == 429 || code == 408 {
			return transport.Transient(err)
		}
	}
	return err
}
