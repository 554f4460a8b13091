package queueflow

import (
	"context"

	runtimepkg "github.com/drblury/queueflow/internal/runtime"
	"github.com/drblury/queueflow/internal/runtime/accesspolicy"
	configpkg "github.com/drblury/queueflow/internal/runtime/config"
	"github.com/drblury/queueflow/internal/runtime/credential"
	envelopepkg "github.com/drblury/queueflow/internal/runtime/envelope"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/queueflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/transport"

	// Registers the storagequeue, sqs and memory backends with the default registry.
	_ "github.com/drblury/queueflow/transport/transports"
)

type (
	Config                      = configpkg.Config
	Credentials                 = configpkg.Credentials
	ConnectionStringCredentials = configpkg.ConnectionStringCredentials
	ManagedIdentityCredentials  = configpkg.ManagedIdentityCredentials
	AppCredentials              = configpkg.AppCredentials
	ReceiverConfig              = configpkg.ReceiverConfig
	SenderConfig                = configpkg.SenderConfig

	Messenger             = runtimepkg.Messenger
	MessengerDependencies = runtimepkg.MessengerDependencies
	Message[T any]        = runtimepkg.Message[T]
	Entity[T any]         = runtimepkg.Entity[T]
	Stream[T any]         = runtimepkg.Stream[T]
	Result[T any]         = runtimepkg.Result[T]
	EntityManager         = runtimepkg.EntityManager
	EntityMessageCount    = runtimepkg.EntityMessageCount

	Envelope[T any] = envelopepkg.Envelope[T]

	AccessPermission   = accesspolicy.AccessPermission
	SignedAccessConfig = accesspolicy.SignedAccessConfig

	CredentialResolver = credential.Resolver
	CredentialCache    = credential.Cache

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Metrics
	Metrics         = runtimepkg.Metrics
	EntityStats     = runtimepkg.EntityStats
	MetricsSnapshot = runtimepkg.MetricsSnapshot

	// Error taxonomy
	ValidationError        = errspkg.ValidationError
	AuthenticationError    = errspkg.AuthenticationError
	AccountLookupError     = errspkg.AccountLookupError
	ConnectionError        = errspkg.ConnectionError
	MessageTooLargeError   = errspkg.MessageTooLargeError
	MessageNotTrackedError = errspkg.MessageNotTrackedError
	NotSupportedError      = errspkg.NotSupportedError

	// Backend contract
	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	RetryPolicy           = transport.RetryPolicy
)

// Generic access permissions accepted by SignedAccessConfig.
const (
	PermissionNone   = accesspolicy.None
	PermissionRead   = accesspolicy.Read
	PermissionWrite  = accesspolicy.Write
	PermissionUpdate = accesspolicy.Update
	PermissionAdd    = accesspolicy.Add
	PermissionCreate = accesspolicy.Create
	PermissionDelete = accesspolicy.Delete
	PermissionList   = accesspolicy.List
)

const (
	MaxEnvelopeBytes     = runtimepkg.MaxEnvelopeBytes
	AbandonVisibility    = runtimepkg.AbandonVisibility
	DefaultPollFrequency = configpkg.DefaultPollFrequency
)

var (
	NewMessenger   = runtimepkg.NewMessenger
	NewMetrics     = runtimepkg.NewMetrics
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	NewReceiverConfig = configpkg.NewReceiverConfig
	NewSenderConfig   = configpkg.NewSenderConfig

	NewCredentialCache     = credential.NewCache
	DefaultCredentialCache = credential.DefaultCache

	TranslatePermissions = accesspolicy.Translate

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	DefaultRetryPolicy       = transport.DefaultRetryPolicy

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrCredentialsRequired   = errspkg.ErrCredentialsRequired
	ErrReceiverNotConfigured = errspkg.ErrReceiverNotConfigured
	ErrSenderNotConfigured   = errspkg.ErrSenderNotConfigured
	ErrMessengerClosed       = errspkg.ErrMessengerClosed
	ErrEmptyToken            = errspkg.ErrEmptyToken
	ErrAccountNotFound       = errspkg.ErrAccountNotFound
	ErrAccessKeysNotFound    = errspkg.ErrAccessKeysNotFound
	ErrUnknownBackend        = transport.ErrUnknownBackend

	ErrSubscriptionKindMismatch = errspkg.ErrSubscriptionKindMismatch

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger
)

func SendBatch[T any](ctx context.Context, m *Messenger, bodies []T, setProps func(T) map[string]any) error {
	return runtimepkg.SendBatch(ctx, m, bodies, setProps)
}

func ReceiveOne[T any](ctx context.Context, m *Messenger) (*Message[T], error) {
	return runtimepkg.ReceiveOne[T](ctx, m)
}

func ReceiveBatch[T any](ctx context.Context, m *Messenger, n int) ([]Message[T], error) {
	return runtimepkg.ReceiveBatch[T](ctx, m, n)
}

func ReceiveOneEntity[T any](ctx context.Context, m *Messenger) (*Entity[T], error) {
	return runtimepkg.ReceiveOneEntity[T](ctx, m)
}

func ReceiveBatchEntity[T any](ctx context.Context, m *Messenger, n int) ([]Entity[T], error) {
	return runtimepkg.ReceiveBatchEntity[T](ctx, m, n)
}

func Receive[T any](m *Messenger, onSuccess func(Message[T]), onError func(error), batchSize int) error {
	return runtimepkg.Receive(m, onSuccess, onError, batchSize)
}

func StartReceive[T any](m *Messenger, batchSize int) (*Stream[T], error) {
	return runtimepkg.StartReceive[T](m, batchSize)
}

func CancelReceive[T any](m *Messenger) {
	runtimepkg.CancelReceive[T](m)
}

func ReadPropertiesAs[O any](m *Messenger, token string) (O, error) {
	return runtimepkg.ReadPropertiesAs[O](m, token)
}

// NewEnvelope wraps body and props in the wire envelope.
func NewEnvelope[T any](body T, props map[string]any) *Envelope[T] {
	return envelopepkg.New(body, props)
}

// DecodeEnvelope parses an envelope, falling back to a raw T payload.
func DecodeEnvelope[T any](data []byte) (*Envelope[T], error) {
	return envelopepkg.Decode[T](data)
}
