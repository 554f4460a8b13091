package transport

// Capabilities describes the optional features of a queue backend.
type Capabilities struct {
	// Name is the human-readable name of the backend.
	Name string

	// SupportsContentUpdate indicates UpdateVisibility can also replace the
	// message body. When false the body argument is ignored.
	SupportsContentUpdate bool

	// SupportsSignedAccess indicates SignAccessPolicy yields a signature the
	// backend itself will honour.
	SupportsSignedAccess bool

	// MaxBatchSize is the largest batch a single dequeue returns (0 = unbounded).
	MaxBatchSize int

	// MaxMessageSize is the backend's own body limit in bytes (0 = unknown).
	MaxMessageSize int64
}

// CapabilitiesProvider is implemented by clients that describe their backend.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// CapabilitiesOf returns the capabilities of c, or the zero value when c does
// not describe itself.
func CapabilitiesOf(c Client) Capabilities {
	if p, ok := c.(CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	return Capabilities{}
}

// ClampBatch bounds n to the backend's batch limit.
func (c Capabilities) ClampBatch(n int) int {
	if n < 1 {
		return 1
	}
	if c.MaxBatchSize > 0 && n > c.MaxBatchSize {
		return c.MaxBatchSize
	}
	return n
}

var (
	// MemoryCapabilities for the in-process backend.
	MemoryCapabilities = Capabilities{
		Name:                  "memory",
		SupportsContentUpdate: true,
		SupportsSignedAccess:  true,
	}

	// StorageQueueCapabilities for Azure Storage queues.
	StorageQueueCapabilities = Capabilities{
		Name:                  "storagequeue",
		SupportsContentUpdate: true,
		SupportsSignedAccess:  true,
		MaxBatchSize:          32,
		MaxMessageSize:        65536,
	}

	// SQSCapabilities for Amazon SQS and compatible endpoints.
	SQSCapabilities = Capabilities{
		Name:           "sqs",
		MaxBatchSize:   10,
		MaxMessageSize: 262144,
	}
)
