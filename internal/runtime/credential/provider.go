// Package credential resolves the connection string of a queue account from
// one of the supported credential variants, caching the result per account.
package credential

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/drblury/queueflow/internal/runtime/config"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
)

// Resolver yields a connection string and the time it must be re-resolved.
// A zero expiry never expires.
type Resolver interface {
	Resolve(ctx context.Context) (string, time.Time, error)
}

// Provider implements Resolver over config.Credentials.
type Provider struct {
	creds              config.Credentials
	managementEndpoint string
	loginAuthority     string

	cache     *Cache
	directory AccountDirectory
	tokens    TokenSource
	http      *http.Client
	logger    logging.ServiceLogger
	now       func() time.Time
}

// Option customises a Provider.
type Option func(*Provider)

// WithCache replaces DefaultCache.
func WithCache(c *Cache) Option {
	return func(p *Provider) { p.cache = c }
}

// WithHTTPClient sets the client the token and management pipelines send requests with.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithTokenSource overrides the token source derived from the credentials.
func WithTokenSource(ts TokenSource) Option {
	return func(p *Provider) { p.tokens = ts }
}

// WithAccountDirectory overrides the management-plane client.
func WithAccountDirectory(d AccountDirectory) Option {
	return func(p *Provider) { p.directory = d }
}

// WithLogger sets the logger.
func WithLogger(l logging.ServiceLogger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now for cache freshness and expiry horizons.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider builds a Provider for cfg. cfg is expected to be validated.
func NewProvider(cfg *config.Config, opts ...Option) *Provider {
	p := &Provider{
		creds:              cfg.Credentials,
		managementEndpoint: orDefault(cfg.ManagementEndpoint, config.DefaultManagementEndpoint),
		loginAuthority:     orDefault(cfg.LoginAuthority, config.DefaultLoginAuthority),
		cache:              DefaultCache,
		logger:             logging.NopLogger(),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.directory == nil {
		p.directory = &ManagementClient{Endpoint: p.managementEndpoint, Options: p.clientOptions()}
	}
	return p
}

// Resolve returns the connection string for the configured account.
//
// Connection-string credentials are returned verbatim and never expire. The
// other variants consult the cache first; on a miss they authenticate, look
// the account key up through the management plane and cache the result.
// Any failure is wrapped in a ConnectionError.
func (p *Provider) Resolve(ctx context.Context) (string, time.Time, error) {
	switch creds := p.creds.(type) {
	case config.ConnectionStringCredentials:
		return creds.ConnectionString, time.Time{}, nil
	case config.ManagedIdentityCredentials:
		source := p.tokens
		if source == nil {
			mi, err := NewManagedIdentitySource(p.managementEndpoint, p.clientOptions())
			if err != nil {
				return "", time.Time{}, &errspkg.ConnectionError{Err: err}
			}
			source = mi
		}
		return p.resolveManaged(ctx, creds.Instance, creds.SubscriptionID, source, func(Token) time.Time {
			return p.now().Add(ManagedIdentityLifetime)
		})
	case config.AppCredentials:
		source := p.tokens
		if source == nil {
			app, err := NewAppCredentialSource(p.loginAuthority, creds.TenantID, creds.AppID, creds.AppSecret, p.managementEndpoint, p.clientOptions())
			if err != nil {
				return "", time.Time{}, &errspkg.ConnectionError{Err: err}
			}
			source = app
		}
		return p.resolveManaged(ctx, creds.Instance, creds.SubscriptionID, source, func(t Token) time.Time {
			return t.ExpiresOn
		})
	case nil:
		return "", time.Time{}, &errspkg.ConnectionError{Err: errspkg.ErrCredentialsRequired}
	default:
		return "", time.Time{}, &errspkg.ConnectionError{Err: fmt.Errorf("unsupported credentials %T", creds)}
	}
}

func (p *Provider) resolveManaged(ctx context.Context, instance, subscriptionID string, source TokenSource, expiry func(Token) time.Time) (string, time.Time, error) {
	if entry, ok := p.cache.Get(instance, p.now()); ok {
		return entry.ConnectionString, entry.ExpiresOn, nil
	}

	fields := logging.LogFields{"instance": instance, "subscription_id": subscriptionID}
	token, err := source.Token(ctx)
	if err != nil {
		p.logger.Error("Authentication failed", err, fields)
		p.cache.Delete(instance)
		return "", time.Time{}, &errspkg.ConnectionError{Err: err}
	}
	expiresOn := expiry(token)

	key, err := p.directory.AccountKey(ctx, token, subscriptionID, instance)
	if err != nil {
		p.logger.Error("Account lookup failed", err, fields)
		p.cache.Delete(instance)
		return "", time.Time{}, &errspkg.ConnectionError{Err: err}
	}

	cs := BuildConnectionString(instance, key)
	p.cache.Put(instance, Entry{ConnectionString: cs, ExpiresOn: expiresOn})
	p.logger.With(fields).Info("Resolved connection string", logging.LogFields{"expires_on": expiresOn})
	return cs, expiresOn, nil
}

// clientOptions configures the SDK pipelines of token and management clients.
func (p *Provider) clientOptions() azcore.ClientOptions {
	var opts azcore.ClientOptions
	if p.http != nil {
		opts.Transport = p.http
	}
	return opts
}

// BuildConnectionString formats the account connection string for key.
func BuildConnectionString(account, key string) string {
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net", account, key)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
