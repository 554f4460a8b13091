package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionString is a parsed "Key=Value;Key=Value" account connection string.
type ConnectionString struct {
	Raw string

	DefaultEndpointsProtocol string
	AccountName              string
	AccountKey               string
	EndpointSuffix           string
	// QueueEndpoint overrides the endpoint derived from protocol, account
	// name and suffix.
	QueueEndpoint string
	// Region is consulted by backends that are region-scoped.
	Region string

	// Extra holds any keys not listed above.
	Extra map[string]string
}

// ErrMalformedConnectionString is returned for strings without any key/value segment.
var ErrMalformedConnectionString = errors.New("transport: malformed connection string")

// ParseConnectionString splits raw on ';' and '=' (first '=' only, so base64
// keys keep their padding). Key matching is case-insensitive.
func ParseConnectionString(raw string) (ConnectionString, error) {
	cs := ConnectionString{Raw: raw}
	found := false
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		found = true
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "defaultendpointsprotocol":
			cs.DefaultEndpointsProtocol = value
		case "accountname":
			cs.AccountName = value
		case "accountkey":
			cs.AccountKey = value
		case "endpointsuffix":
			cs.EndpointSuffix = value
		case "queueendpoint":
			cs.QueueEndpoint = strings.TrimSuffix(value, "/")
		case "region":
			cs.Region = value
		default:
			if cs.Extra == nil {
				cs.Extra = make(map[string]string)
			}
			cs.Extra[key] = value
		}
	}
	if !found {
		return ConnectionString{}, ErrMalformedConnectionString
	}
	return cs, nil
}

// Endpoint returns the queue service base URL for the account.
func (cs ConnectionString) Endpoint() string {
	if cs.QueueEndpoint != "" {
		return cs.QueueEndpoint
	}
	protocol := cs.DefaultEndpointsProtocol
	if protocol == "" {
		protocol = "https"
	}
	suffix := cs.EndpointSuffix
	if suffix == "" {
		suffix = "core.windows.net"
	}
	return fmt.Sprintf("%s://%s.queue.%s", protocol, cs.AccountName, suffix)
}

// String renders the connection string with the account key masked.
func (cs ConnectionString) String() string {
	key := ""
	if cs.AccountKey != "" {
		key = "***"
	}
	return fmt.Sprintf("AccountName=%s;AccountKey=%s;Endpoint=%s", cs.AccountName, key, cs.Endpoint())
}
