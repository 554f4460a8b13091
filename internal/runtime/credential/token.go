package credential

import (
	"context"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
)

// ManagedIdentityLifetime is the horizon granted to a managed-identity
// connection before it is re-resolved. The token itself is not re-validated.
const ManagedIdentityLifetime = 24 * time.Hour

const managedIdentityAuthority = "managed identity"

// Token is a bearer token for the management plane.
type Token struct {
	AccessToken string
	ExpiresOn   time.Time
}

// TokenSource acquires management-plane tokens.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// CredentialSource acquires tokens for Scope from an Azure SDK credential.
type CredentialSource struct {
	Credential azcore.TokenCredential
	Scope      string
	// Authority names the token issuer in errors.
	Authority string
}

// Token implements TokenSource.
func (s *CredentialSource) Token(ctx context.Context) (Token, error) {
	at, err := s.Credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{s.Scope}})
	if err != nil {
		return Token{}, &errspkg.AuthenticationError{Authority: s.Authority, Err: err}
	}
	if at.Token == "" {
		return Token{}, &errspkg.AuthenticationError{Authority: s.Authority, Err: errspkg.ErrEmptyToken}
	}
	return Token{AccessToken: at.Token, ExpiresOn: at.ExpiresOn}, nil
}

// NewManagedIdentitySource requests management tokens with the identity of
// the host. The token endpoint is discovered from the environment.
func NewManagedIdentitySource(managementEndpoint string, opts azcore.ClientOptions) (*CredentialSource, error) {
	cred, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{ClientOptions: opts})
	if err != nil {
		return nil, &errspkg.AuthenticationError{Authority: managedIdentityAuthority, Err: err}
	}
	return &CredentialSource{Credential: cred, Scope: scopeFor(managementEndpoint), Authority: managedIdentityAuthority}, nil
}

// NewAppCredentialSource exchanges an application id and secret for
// management tokens issued by authority for tenantID.
func NewAppCredentialSource(authority, tenantID, appID, appSecret, managementEndpoint string, opts azcore.ClientOptions) (*CredentialSource, error) {
	opts.Cloud.ActiveDirectoryAuthorityHost = authority
	cred, err := azidentity.NewClientSecretCredential(tenantID, appID, appSecret, &azidentity.ClientSecretCredentialOptions{ClientOptions: opts})
	if err != nil {
		return nil, &errspkg.AuthenticationError{Authority: authority, Err: err}
	}
	return &CredentialSource{Credential: cred, Scope: scopeFor(managementEndpoint), Authority: authority}, nil
}

// scopeFor turns a resource endpoint into its default OAuth scope.
func scopeFor(resource string) string {
	return strings.TrimSuffix(resource, "/") + "/.default"
}

// staticCredential hands an already acquired token to SDK clients.
type staticCredential struct {
	token Token
}

func (s staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: s.token.AccessToken, ExpiresOn: s.token.ExpiresOn}, nil
}
