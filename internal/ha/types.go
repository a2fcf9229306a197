package ha

import (
	"encoding/json"
	"time"
)

// Message is the envelope of every WebSocket frame exchanged with Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the error payload of a failed result frame
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// AuthMessage is the auth frame sent after auth_required
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is the payload of an event frame
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the data of a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is an entity state as reported by Home Assistant
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Request frames. Each carries the id used to route the result back.
type (
	CallServiceRequest struct {
		ID          int                    `json:"id"`
		Type        string                 `json:"type"`
		Domain      string                 `json:"domain"`
		Service     string                 `json:"service"`
		ServiceData map[string]interface{} `json:"service_data,omitempty"`
	}

	GetStatesRequest struct {
		ID   int    `json:"id"`
		Type string `json:"type"`
	}

	SubscribeEventsRequest struct {
		ID        int    `json:"id"`
		Type      string `json:"type"`
		EventType string `json:"event_type,omitempty"`
	}
)

// StateChangeHandler is called for every state change of a subscribed entity.
// oldState or newState may be nil when the entity was added or removed.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is an active per-entity state change subscription
type Subscription interface {
	Unsubscribe() error
}

// subscriberEntry pairs a handler with its subscription id
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet is the per-entity handler table shared by Client and MockClient
type subscriberSet struct {
	entries map[string][]subscriberEntry
	nextID  int
}

func newSubscriberSet() subscriberSet {
	return subscriberSet{entries: make(map[string][]subscriberEntry)}
}

func (s *subscriberSet) add(entityID string, handler StateChangeHandler) int {
	id := s.nextID
	s.nextID++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: id, handler: handler})
	return id
}

func (s *subscriberSet) remove(entityID string, subID int) {
	entries := s.entries[entityID]
	for i, entry := range entries {
		if entry.subID != subID {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(s.entries, entityID)
		} else {
			s.entries[entityID] = entries
		}
		return
	}
}

// handlers returns a copy that may be invoked without holding any lock
func (s *subscriberSet) handlers(entityID string) []StateChangeHandler {
	entries := s.entries[entityID]
	out := make([]StateChangeHandler, len(entries))
	for i, entry := range entries {
		out[i] = entry.handler
	}
	return out
}
