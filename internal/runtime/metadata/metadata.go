// Package metadata describes the headers a stream hub message carries
// between a poll tick and its subscribers.
package metadata

import "errors"

const (
	// ErrorKey holds the text of a failed poll tick.
	ErrorKey = "queueflow_error"
	// EntityKey names the entity a delivered message was dequeued from.
	EntityKey = "queueflow_entity"
	// MessageIDKey is the backend id of a delivered message.
	MessageIDKey = "queueflow_message_id"
)

// Metadata represents the headers carried alongside a stream message.
type Metadata map[string]string

// Delivery returns the headers of a successfully polled message.
func Delivery(entity, messageID string) Metadata {
	return New(EntityKey, entity, MessageIDKey, messageID)
}

// Failure returns the headers reporting err to stream subscribers.
func Failure(err error) Metadata {
	if err == nil {
		return Metadata{}
	}
	return New(ErrorKey, err.Error())
}

// Err rebuilds the poll error carried by m, or nil for a delivery.
func (m Metadata) Err() error {
	if reason := m[ErrorKey]; reason != "" {
		return errors.New(reason)
	}
	return nil
}

// Entity and MessageID identify a delivery in logs.
func (m Metadata) Entity() string    { return m[EntityKey] }
func (m Metadata) MessageID() string { return m[MessageIDKey] }

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
