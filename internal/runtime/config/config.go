package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
)

const (
	// DefaultPollFrequency is the interval between two poll ticks of a subscription.
	DefaultPollFrequency = 500 * time.Millisecond

	// DefaultBackend is used when Config.Backend is empty.
	DefaultBackend = "storagequeue"

	// sqsBackend authenticates with AWS keys and cannot use account keys
	// resolved from the management plane.
	sqsBackend = "sqs"

	// DefaultManagementEndpoint is the control plane used to look up accounts and keys.
	DefaultManagementEndpoint = "https://management.azure.com/"
	// DefaultLoginAuthority issues app-credential tokens.
	DefaultLoginAuthority = "https://login.microsoftonline.com/"

	maxMessageSizeBytes = 64000
	redactedMarker      = "***REDACTED***"
)

// Config groups everything a Messenger needs: which backend to talk to, how
// to authenticate against it, and the receiver/sender entities.
type Config struct {
	// Backend selects the registered transport. Supported values:
	// "storagequeue", "sqs", "memory".
	Backend string

	// Credentials is exactly one of ConnectionStringCredentials,
	// ManagedIdentityCredentials or AppCredentials.
	Credentials Credentials

	Receiver *ReceiverConfig
	Sender   *SenderConfig

	// Control-plane endpoints. Zero values fall back to the defaults above;
	// tests point them at local servers. Managed identity endpoints are
	// discovered from the host environment.
	ManagementEndpoint string
	LoginAuthority     string
}

// Credentials is the sealed set of authentication strategies.
type Credentials interface {
	// InstanceName returns the account identifier used as the cache key.
	InstanceName() string
	validate() []error
	redacted() Credentials
}

// ConnectionStringCredentials uses a supplied connection string verbatim.
type ConnectionStringCredentials struct {
	ConnectionString string
}

// ManagedIdentityCredentials authenticates with the identity of the host.
type ManagedIdentityCredentials struct {
	Instance       string
	TenantID       string
	SubscriptionID string
}

// AppCredentials authenticates with an application id and secret.
type AppCredentials struct {
	Instance       string
	AppID          string
	AppSecret      string
	TenantID       string
	SubscriptionID string
}

// InstanceName extracts the AccountName segment of the connection string.
// It returns "" when the string is empty or has no ';' delimited segments.
func (c ConnectionStringCredentials) InstanceName() string {
	return AccountNameFromConnectionString(c.ConnectionString)
}

func (c ManagedIdentityCredentials) InstanceName() string { return c.Instance }
func (c AppCredentials) InstanceName() string             { return c.Instance }

func (c ConnectionStringCredentials) validate() []error {
	if c.ConnectionString == "" {
		return []error{errors.New("connection string must be set")}
	}
	return nil
}

func (c ManagedIdentityCredentials) validate() []error {
	var errs []error
	if c.Instance == "" {
		errs = append(errs, errors.New("instance name must be set"))
	}
	if c.TenantID == "" {
		errs = append(errs, errors.New("tenant id must be set"))
	}
	if c.SubscriptionID == "" {
		errs = append(errs, errors.New("subscription id must be set"))
	}
	return errs
}

func (c AppCredentials) validate() []error {
	var errs []error
	if c.Instance == "" {
		errs = append(errs, errors.New("instance name must be set"))
	}
	if c.AppID == "" {
		errs = append(errs, errors.New("app id must be set"))
	}
	if c.AppSecret == "" {
		errs = append(errs, errors.New("app secret must be set"))
	}
	if c.TenantID == "" {
		errs = append(errs, errors.New("tenant id must be set"))
	}
	if c.SubscriptionID == "" {
		errs = append(errs, errors.New("subscription id must be set"))
	}
	return errs
}

func (c ConnectionStringCredentials) redacted() Credentials {
	if c.ConnectionString == "" {
		return c
	}
	return ConnectionStringCredentials{ConnectionString: RedactConnectionString(c.ConnectionString)}
}

func (c ManagedIdentityCredentials) redacted() Credentials { return c }

func (c AppCredentials) redacted() Credentials {
	if c.AppSecret != "" {
		c.AppSecret = redactedMarker
	}
	return c
}

// AccountNameFromConnectionString returns the value of the AccountName
// segment, e.g. "A;AccountName=B;C" yields "B". Strings without a ';'
// delimiter yield "".
func AccountNameFromConnectionString(connectionString string) string {
	if connectionString == "" {
		return ""
	}
	parts := strings.Split(connectionString, ";")
	if len(parts) <= 1 {
		return ""
	}
	const prefix = "AccountName="
	for _, part := range parts {
		if strings.HasPrefix(part, prefix) {
			return strings.TrimPrefix(part, prefix)
		}
	}
	return ""
}

// RedactConnectionString masks the AccountKey and SharedAccessSignature segments.
func RedactConnectionString(connectionString string) string {
	parts := strings.Split(connectionString, ";")
	for i, part := range parts {
		key, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "accountkey", "sharedaccesssignature":
			parts[i] = key + "=" + redactedMarker
		}
	}
	return strings.Join(parts, ";")
}

// ReceiverConfig describes the entity messages are received from.
type ReceiverConfig struct {
	EntityName              string
	CreateEntityIfNotExists bool
	// PollFrequency is the period of the background poll. Zero means DefaultPollFrequency.
	PollFrequency time.Duration
	// RemoveSerializationFailureMessages deletes messages that cannot be
	// decoded instead of reporting the whole poll tick as failed.
	RemoveSerializationFailureMessages bool
}

// NewReceiverConfig returns a receiver for entityName, lower-cased.
func NewReceiverConfig(entityName string) *ReceiverConfig {
	r := &ReceiverConfig{}
	r.SetEntityName(entityName)
	return r
}

// SetEntityName assigns the entity name, lower-cased.
func (r *ReceiverConfig) SetEntityName(name string) {
	r.EntityName = strings.ToLower(name)
}

// Poll returns the effective poll period.
func (r *ReceiverConfig) Poll() time.Duration {
	if r == nil || r.PollFrequency <= 0 {
		return DefaultPollFrequency
	}
	return r.PollFrequency
}

func (r *ReceiverConfig) validate() []error {
	var errs []error
	if r.EntityName == "" {
		errs = append(errs, errors.New("receiver: entity name must be set"))
	}
	if r.PollFrequency < 0 {
		errs = append(errs, errors.New("receiver: poll frequency cannot be negative"))
	}
	return errs
}

// SenderConfig describes the entity messages are sent to.
type SenderConfig struct {
	EntityName              string
	CreateEntityIfNotExists bool
}

// NewSenderConfig returns a sender for entityName, lower-cased.
func NewSenderConfig(entityName string) *SenderConfig {
	s := &SenderConfig{}
	s.SetEntityName(entityName)
	return s
}

// SetEntityName assigns the entity name, lower-cased.
func (s *SenderConfig) SetEntityName(name string) {
	s.EntityName = strings.ToLower(name)
}

// MaxMessageSizeBytes is the advertised backend limit for a single message.
func (s *SenderConfig) MaxMessageSizeBytes() int64 { return maxMessageSizeBytes }

// MaxMessageSizeKB is MaxMessageSizeBytes in kilobytes.
func (s *SenderConfig) MaxMessageSizeKB() int64 { return maxMessageSizeBytes / 1000 }

func (s *SenderConfig) validate() []error {
	if s.EntityName == "" {
		return []error{errors.New("sender: entity name must be set")}
	}
	return nil
}

// Normalize lower-cases entity names that were assigned directly and fills
// in default endpoints.
func (c *Config) Normalize() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	c.Backend = strings.ToLower(c.Backend)
	if c.Receiver != nil {
		c.Receiver.SetEntityName(c.Receiver.EntityName)
	}
	if c.Sender != nil {
		c.Sender.SetEntityName(c.Sender.EntityName)
	}
	if c.ManagementEndpoint == "" {
		c.ManagementEndpoint = DefaultManagementEndpoint
	}
	if c.LoginAuthority == "" {
		c.LoginAuthority = DefaultLoginAuthority
	}
}

// InstanceName returns the account identifier of the configured credentials.
func (c *Config) InstanceName() string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials.InstanceName()
}

// Validate checks that every mandatory field of the selected credential
// variant and of the receiver/sender descriptors is set. All problems are
// reported together inside a ValidationError.
func (c *Config) Validate() error {
	var errs []error

	if c.Credentials == nil {
		errs = append(errs, errspkg.ErrCredentialsRequired)
	} else {
		errs = append(errs, c.Credentials.validate()...)
		if _, ok := c.Credentials.(ConnectionStringCredentials); !ok && strings.EqualFold(c.Backend, sqsBackend) {
			errs = append(errs, errors.New("sqs backend requires connection string credentials"))
		}
	}
	if c.Receiver != nil {
		errs = append(errs, c.Receiver.validate()...)
	}
	if c.Sender != nil {
		errs = append(errs, c.Sender.validate()...)
	}

	return errspkg.NewValidationError(errors.Join(errs...))
}

// ValidateConfig is a convenience function to validate a config pointer.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errspkg.ErrConfigRequired
	}
	return c.Validate()
}

func (c Config) String() string {
	copy := c
	if copy.Credentials != nil {
		copy.Credentials = copy.Credentials.redacted()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Backend: %s, Credentials: %+v", copy.Backend, copy.Credentials)
	if copy.Receiver == nil {
		b.WriteString(", Receiver: [NOT SET]")
	} else {
		fmt.Fprintf(&b, ", Receiver: %+v", *copy.Receiver)
	}
	if copy.Sender == nil {
		b.WriteString(", Sender: [NOT SET]")
	} else {
		fmt.Fprintf(&b, ", Sender: %+v (max %d bytes)", *copy.Sender, copy.Sender.MaxMessageSizeBytes())
	}
	return b.String()
}
