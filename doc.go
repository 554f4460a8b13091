// Package queueflow is a client-side messenger over storage-queue style
// backends. It sends typed payloads wrapped in a JSON envelope, polls the
// receiver entity in the background and tracks every delivered message until
// the caller completes, abandons or errors it.
//
// A Messenger is built from Config, which carries exactly one credential
// variant (a connection string, a managed identity or an application id and
// secret) plus optional receiver and sender entities. Configuration is
// validated eagerly; the backend connection is resolved lazily on first use
// and rebuilt once the credential expiry has passed. Connection strings
// obtained through the management plane are cached per account for the
// lifetime of the process.
//
// # Receiving
//
// ReceiveOne and ReceiveBatch dequeue synchronously. Receive installs a
// callback-based background poll for a payload type and StartReceive returns
// a Stream that any number of subscribers can attach to. CancelReceive stops
// the poll of a type and is safe to call at any time. Each delivered message
// carries a Token that identifies it in Complete, Abandon, Error and
// ReadProperties. A message redelivered by the backend while still tracked is
// not handed out again.
//
// # Backends
//
// Backends implement the transport.Client contract and register with the
// transport registry:
//   - storagequeue (default): Azure Storage queues, signed with the account key
//   - sqs: Amazon SQS through aws-sdk-go-v2, including LocalStack endpoints
//   - memory: in-process queues with visibility timeouts for tests and local runs
//
// Every backend call is retried on transient failures (three attempts, 500ms
// apart) unless MessengerDependencies.RetryPolicy says otherwise.
//
// # Observability
//
// Logging goes through ServiceLogger, which wraps slog or any Watermill
// logger. Prometheus counters are registered per messenger and labelled by
// entity, and sends, polls and acknowledgements are traced with OpenTelemetry.
package queueflow
