// Package transport defines the contract queueflow consumes from a queue
// backend. Each backend implementation (storagequeue, sqs, memory) lives in its own
// sub-package and registers a Builder with the registry.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Message is one dequeued backend message.
type Message struct {
	// ID is stable across redeliveries of the same message.
	ID string
	// Receipt is the handle of this particular dequeue; delete and
	// visibility updates must present the latest receipt.
	Receipt string
	Body    []byte
	// DequeueCount is how many times the backend has handed the message out.
	DequeueCount int
}

// Queue is a single send/receive entity.
type Queue interface {
	Name() string
	// URL is the entity base URI used for signed access URLs.
	URL() string

	Enqueue(ctx context.Context, body []byte) (string, error)
	DequeueBatch(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
	// UpdateVisibility hides msg for another extension. When body is non-nil
	// and the backend supports it, the message content is replaced too.
	UpdateVisibility(ctx context.Context, msg Message, extension time.Duration, body []byte) error
	ApproximateCount(ctx context.Context) (int64, error)

	CreateIfNotExists(ctx context.Context) error
	DeleteIfExists(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)

	// SignAccessPolicy returns the query string ("?...") of a shared access
	// signature granting perms on this entity until expiry.
	SignAccessPolicy(perms Permission, expiry time.Time) (string, error)
}

// Client hands out queue references for one account.
type Client interface {
	Queue(name string) Queue
	Close() error
}

// Builder creates a backend client from a parsed connection string.
type Builder func(ctx context.Context, cs ConnectionString, logger watermill.LoggerAdapter) (Client, error)

// Permission is the backend-native access bitmask.
type Permission uint8

const (
	PermissionNone   Permission = 0
	PermissionRead   Permission = 1 << 0
	PermissionAdd    Permission = 1 << 1
	PermissionUpdate Permission = 1 << 2
	// PermissionProcess allows get-and-delete of messages.
	PermissionProcess Permission = 1 << 3
)

// Has reports whether all bits of other are set in p.
func (p Permission) Has(other Permission) bool {
	return p&other == other
}

// String renders the permission in signature order, e.g. "raup".
func (p Permission) String() string {
	var b strings.Builder
	if p.Has(PermissionRead) {
		b.WriteByte('r')
	}
	if p.Has(PermissionAdd) {
		b.WriteByte('a')
	}
	if p.Has(PermissionUpdate) {
		b.WriteByte('u')
	}
	if p.Has(PermissionProcess) {
		b.WriteByte('p')
	}
	return b.String()
}

// ErrQueueNotFound is returned when an operation targets a missing entity.
var ErrQueueNotFound = errors.New("transport: queue not found")

// ErrReceiptMismatch is returned when a receipt no longer matches the latest dequeue.
var ErrReceiptMismatch = errors.New("transport: receipt does not match the latest dequeue")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable by the retry decorator.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ErrNotSupported is returned by backends for optional operations they lack.
var ErrNotSupported = errors.New("transport: operation not supported by backend")
