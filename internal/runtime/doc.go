/*
Package runtime provides the message lifecycle engine behind queueflow.

# Architecture Overview

A Messenger sends typed payloads to a sender entity and pulls them from a
receiver entity of a storage-queue style backend. Every dequeued message is
tracked under a delivery token until the caller completes, abandons or
errors it. Backends implement the transport.Queue contract and are resolved
by name from a transport.Registry.

# Package Structure

## Messenger (messenger.go, receive.go)

Send and SendBatch wrap payloads in an envelope and enqueue them. The
Receive* functions dequeue a batch, decode it and register each message in
the in-flight registry (inflight.go). Complete, CompleteAll, Abandon and
Error settle tracked messages.

## Subscriptions (subscription.go)

Receive and StartReceive run one background poll per payload type. Receive
delivers to callbacks; StartReceive fans messages out to any number of
stream subscribers over a Watermill gochannel hub.

## Connection (connection.go)

Connection resolves credentials into a connection string, builds the
backend client lazily and rebuilds it once the credential expires.

## Entity management (entity_manager.go)

EntityManager reports message counts and creates, deletes and probes
entities.

## Metrics (metrics.go)

Prometheus counters per entity plus an in-process snapshot.

# Sub-packages

  - accesspolicy/: permission translation and signed access URLs
  - config/: messenger configuration, validation and env loading
  - credential/: credential cache, token sources and account directory
  - envelope/: wire format of queued messages
  - errors/: sentinel errors and error types
  - ids/: ULID delivery tokens
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: headers of stream hub messages
*/
package runtime
