// Package transports imports all built-in backends for auto-registration.
// Import this package to have every backend registered with the default registry.
package transports

import (
	// Side-effect registration.
	_ "github.com/drblury/queueflow/transport/memory"
	_ "github.com/drblury/queueflow/transport/sqs"
	_ "github.com/drblury/queueflow/transport/storagequeue"
)
