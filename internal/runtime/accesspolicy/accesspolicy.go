// Package accesspolicy translates generic access permissions into backend
// permissions and builds time-bounded signed URLs.
package accesspolicy

import (
	"fmt"
	"time"

	"github.com/drblury/queueflow/transport"
)

// AccessPermission is a backend-agnostic permission.
type AccessPermission int

const (
	None AccessPermission = iota
	Read
	Write
	Update
	Add
	Create
	Delete
	List
)

var permissionNames = map[AccessPermission]string{
	None:   "None",
	Read:   "Read",
	Write:  "Write",
	Update: "Update",
	Add:    "Add",
	Create: "Create",
	Delete: "Delete",
	List:   "List",
}

func (p AccessPermission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("AccessPermission(%d)", int(p))
}

// SignedAccessConfig requests a signed URL granting Permissions until Expiry.
type SignedAccessConfig struct {
	Permissions []AccessPermission
	Expiry      time.Time
}

// Translate maps permissions onto the backend bitmask. List together with
// Delete additionally grants Process. Empty or unmapped input yields None.
func Translate(perms []AccessPermission) transport.Permission {
	var (
		out                transport.Permission
		hasList, hasDelete bool
	)
	for _, p := range perms {
		switch p {
		case Read:
			out |= transport.PermissionRead
		case Add, Create:
			out |= transport.PermissionAdd
		case Update, Write:
			out |= transport.PermissionUpdate
		case List:
			hasList = true
		case Delete:
			hasDelete = true
		}
	}
	if hasList && hasDelete {
		out |= transport.PermissionProcess
	}
	return out
}

// Policy is the translated form of a SignedAccessConfig.
type Policy struct {
	Permissions transport.Permission
	Expiry      time.Time
}

// NewPolicy translates cfg.
func NewPolicy(cfg SignedAccessConfig) Policy {
	return Policy{Permissions: Translate(cfg.Permissions), Expiry: cfg.Expiry}
}

// SignedURL returns the entity base URI followed by the signature for cfg.
func SignedURL(q transport.Queue, cfg SignedAccessConfig) (string, error) {
	policy := NewPolicy(cfg)
	sig, err := q.SignAccessPolicy(policy.Permissions, policy.Expiry)
	if err != nil {
		return "", err
	}
	return q.URL() + sig, nil
}
