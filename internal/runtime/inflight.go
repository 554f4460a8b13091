package runtime

import (
	"sync"

	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/transport"
)

// inflightEntry is a message delivered to a caller and not yet acknowledged.
type inflightEntry struct {
	token      string
	entity     string
	message    transport.Message
	payload    any
	properties map[string]any
}

// inflightRegistry maps delivery tokens to their backend messages. A second
// index by backend message id filters redeliveries of tracked messages.
type inflightRegistry struct {
	mu          sync.RWMutex
	byToken     map[string]*inflightEntry
	byMessageID map[string]string
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{
		byToken:     make(map[string]*inflightEntry),
		byMessageID: make(map[string]string),
	}
}

// refresh records the newest receipt of msg if it is already tracked and
// reports whether it was.
func (r *inflightRegistry) refresh(msg transport.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byMessageID[msg.ID]
	if !ok {
		return false
	}
	entry := r.byToken[token]
	entry.message.Receipt = msg.Receipt
	entry.message.DequeueCount = msg.DequeueCount
	return true
}

// add tracks msg under a fresh delivery token. added is false when msg was
// already tracked, in which case the existing token is returned.
func (r *inflightRegistry) add(entity string, msg transport.Message, payload any, props map[string]any) (token string, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byMessageID[msg.ID]; ok {
		r.byToken[existing].message.Receipt = msg.Receipt
		return existing, false
	}

	token = ids.NewDeliveryToken()
	r.byToken[token] = &inflightEntry{
		token:      token,
		entity:     entity,
		message:    msg,
		payload:    payload,
		properties: props,
	}
	r.byMessageID[msg.ID] = token
	return token, true
}

// get returns a copy of the entry for token.
func (r *inflightRegistry) get(token string) (inflightEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byToken[token]
	if !ok {
		return inflightEntry{}, false
	}
	return *entry, true
}

// remove stops tracking token and reports whether it was tracked.
func (r *inflightRegistry) remove(token string) (inflightEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byToken[token]
	if !ok {
		return inflightEntry{}, false
	}
	delete(r.byToken, token)
	if r.byMessageID[entry.message.ID] == token {
		delete(r.byMessageID, entry.message.ID)
	}
	return *entry, true
}

func (r *inflightRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

func (r *inflightRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken = make(map[string]*inflightEntry)
	r.byMessageID = make(map[string]string)
}
