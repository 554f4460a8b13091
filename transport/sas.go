package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/sas"
)

// ErrMissingAccountKey is returned when signing without a usable account key.
var ErrMissingAccountKey = errors.New("transport: account key is required to sign access policies")

// ErrNoPermissions is returned when a signature would grant nothing.
var ErrNoPermissions = errors.New("transport: access policy grants no permissions")

// SharedKeyCredential builds the account key credential of cs. The key must
// be base64 encoded.
func SharedKeyCredential(cs ConnectionString) (*azqueue.SharedKeyCredential, error) {
	if cs.AccountKey == "" {
		return nil, ErrMissingAccountKey
	}
	cred, err := azqueue.NewSharedKeyCredential(cs.AccountName, cs.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid account key: %w", err)
	}
	return cred, nil
}

// SignQueueAccess computes a shared access signature for queue on the
// account described by cs and returns it as a "?"-prefixed query string.
func SignQueueAccess(cs ConnectionString, queue string, perms Permission, expiry time.Time) (string, error) {
	if perms == PermissionNone {
		return "", ErrNoPermissions
	}
	cred, err := SharedKeyCredential(cs)
	if err != nil {
		return "", err
	}
	qp := perms.queuePermissions()
	values := sas.QueueSignatureValues{
		ExpiryTime:  expiry.UTC(),
		Permissions: qp.String(),
		QueueName:   queue,
	}
	params, err := values.SignWithSharedKey(cred)
	if err != nil {
		return "", fmt.Errorf("transport: sign %s: %w", queue, err)
	}
	return "?" + params.Encode(), nil
}

func (p Permission) queuePermissions() sas.QueuePermissions {
	return sas.QueuePermissions{
		Read:    p.Has(PermissionRead),
		Add:     p.Has(PermissionAdd),
		Update:  p.Has(PermissionUpdate),
		Process: p.Has(PermissionProcess),
	}
}
