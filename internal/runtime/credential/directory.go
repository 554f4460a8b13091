package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/queueflow/internal/runtime/config"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
)

// Management-plane retry policy: fixed interval, transient failures only.
var (
	managementRetryInterval      = 500 * time.Millisecond
	managementRetryAttempts uint = 3
)

// AccountDirectory finds storage accounts and their keys.
type AccountDirectory interface {
	AccountKey(ctx context.Context, token Token, subscriptionID, account string) (string, error)
}

// ManagementClient looks accounts up through the resource manager.
type ManagementClient struct {
	Endpoint string
	// Options configures the SDK pipeline; retries are always left to the
	// management retry policy.
	Options azcore.ClientOptions
}

// AccountKey looks account up in the subscription and returns its first key.
func (c *ManagementClient) AccountKey(ctx context.Context, token Token, subscriptionID, account string) (string, error) {
	lookupErr := func(err error) error {
		return &errspkg.AccountLookupError{Account: account, SubscriptionID: subscriptionID, Err: err}
	}

	accounts, err := c.accountsClient(subscriptionID, token)
	if err != nil {
		return "", lookupErr(err)
	}
	acct, err := findAccount(ctx, accounts, account)
	if err != nil {
		return "", lookupErr(err)
	}
	id, err := arm.ParseResourceID(*acct.ID)
	if err != nil {
		return "", lookupErr(fmt.Errorf("parse account id: %w", err))
	}

	keys, err := withManagementRetry(ctx, func() (armstorage.AccountsClientListKeysResponse, error) {
		return accounts.ListKeys(ctx, id.ResourceGroupName, *acct.Name, nil)
	})
	if err != nil {
		return "", lookupErr(err)
	}
	if len(keys.Keys) == 0 || keys.Keys[0] == nil || keys.Keys[0].Value == nil || *keys.Keys[0].Value == "" {
		return "", lookupErr(errspkg.ErrAccessKeysNotFound)
	}
	return *keys.Keys[0].Value, nil
}

func (c *ManagementClient) accountsClient(subscriptionID string, token Token) (*armstorage.AccountsClient, error) {
	endpoint := strings.TrimSuffix(orDefault(c.Endpoint, config.DefaultManagementEndpoint), "/")

	opts := c.Options
	opts.Retry = policy.RetryOptions{MaxRetries: -1}
	opts.Cloud = cloud.Configuration{
		ActiveDirectoryAuthorityHost: cloud.AzurePublic.ActiveDirectoryAuthorityHost,
		Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
			cloud.ResourceManager: {Endpoint: endpoint, Audience: endpoint},
		},
	}
	return armstorage.NewAccountsClient(subscriptionID, staticCredential{token: token}, &arm.ClientOptions{
		ClientOptions:         opts,
		DisableRPRegistration: true,
	})
}

func findAccount(ctx context.Context, accounts *armstorage.AccountsClient, account string) (*armstorage.Account, error) {
	pager := accounts.NewListPager(nil)
	for pager.More() {
		page, err := withManagementRetry(ctx, func() (armstorage.AccountsClientListResponse, error) {
			return pager.NextPage(ctx)
		})
		if err != nil {
			return nil, err
		}
		for _, a := range page.Value {
			if a != nil && a.Name != nil && a.ID != nil && strings.EqualFold(*a.Name, account) {
				return a, nil
			}
		}
	}
	return nil, errspkg.ErrAccountNotFound
}

// withManagementRetry runs op under the fixed-interval management policy.
func withManagementRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(managementRetryInterval)),
		backoff.WithMaxTries(managementRetryAttempts),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return v, permanent.Err
	}
	return v, err
}

func retryable(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusRequestTimeout ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
