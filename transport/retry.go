package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retry decorator.
type RetryPolicy struct {
	// Interval is the fixed delay between attempts.
	Interval time.Duration
	// MaxAttempts counts the first try.
	MaxAttempts uint
	// RetryIf reports whether err deserves another attempt. Defaults to IsTransient.
	RetryIf func(error) bool
	// OnRetry is invoked before each retry sleep.
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryPolicy retries transient failures three times, 500ms apart.
var DefaultRetryPolicy = RetryPolicy{
	Interval:    500 * time.Millisecond,
	MaxAttempts: 3,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultRetryPolicy.Interval
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.RetryIf == nil {
		p.RetryIf = IsTransient
	}
	return p
}

// WithRetry wraps client so every queue operation is retried under policy.
func WithRetry(client Client, policy RetryPolicy) Client {
	return &retryClient{Client: client, policy: policy.withDefaults()}
}

type retryClient struct {
	Client
	policy RetryPolicy
}

func (c *retryClient) Queue(name string) Queue {
	return &retryQueue{Queue: c.Client.Queue(name), policy: c.policy}
}

func (c *retryClient) Capabilities() Capabilities {
	return CapabilitiesOf(c.Client)
}

// Unwrap returns the decorated client.
func (c *retryClient) Unwrap() Client {
	return c.Client
}

type retryQueue struct {
	Queue
	policy RetryPolicy
}

func retry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !policy.RetryIf(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Interval)),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if policy.OnRetry != nil {
				policy.OnRetry(err, wait)
			}
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return v, permanent.Err
	}
	return v, err
}

func retryErr(ctx context.Context, policy RetryPolicy, op func() error) error {
	_, err := retry(ctx, policy, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

func (q *retryQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	return retry(ctx, q.policy, func() (string, error) { return q.Queue.Enqueue(ctx, body) })
}

func (q *retryQueue) DequeueBatch(ctx context.Context, max int) ([]Message, error) {
	return retry(ctx, q.policy, func() ([]Message, error) { return q.Queue.DequeueBatch(ctx, max) })
}

func (q *retryQueue) Delete(ctx context.Context, msg Message) error {
	return retryErr(ctx, q.policy, func() error { return q.Queue.Delete(ctx, msg) })
}

func (q *retryQueue) UpdateVisibility(ctx context.Context, msg Message, extension time.Duration, body []byte) error {
	return retryErr(ctx, q.policy, func() error { return q.Queue.UpdateVisibility(ctx, msg, extension, body) })
}

func (q *retryQueue) ApproximateCount(ctx context.Context) (int64, error) {
	return retry(ctx, q.policy, func() (int64, error) { return q.Queue.ApproximateCount(ctx) })
}

func (q *retryQueue) CreateIfNotExists(ctx context.Context) error {
	return retryErr(ctx, q.policy, func() error { return q.Queue.CreateIfNotExists(ctx) })
}

func (q *retryQueue) DeleteIfExists(ctx context.Context) error {
	return retryErr(ctx, q.policy, func() error { return q.Queue.DeleteIfExists(ctx) })
}

func (q *retryQueue) Exists(ctx context.Context) (bool, error) {
	return retry(ctx, q.policy, func() (bool, error) { return q.Queue.Exists(ctx) })
}
