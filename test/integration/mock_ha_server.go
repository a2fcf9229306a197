// Package integration runs plant care end to end against a mock Home
// Assistant server speaking the WebSocket and REST APIs.
package integration

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type stateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// ServiceCall is one call_service request received over the WebSocket
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// PostedState is one write received on POST /api/states/<entity_id>
type PostedState struct {
	EntityID   string
	State      string
	Attributes map[string]interface{}
}

// MockHAServer simulates the parts of Home Assistant plant care talks to:
// the WebSocket API for reading sensors and the REST states API for writing
// entities.
type MockHAServer struct {
	server *httptest.Server
	token  string

	statesMu sync.RWMutex
	states   map[string]*EntityState

	connsMu     sync.Mutex
	connections []*connWrapper

	postedMu sync.Mutex
	posted   []PostedState
	calls    []ServiceCall
}

func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		token:  token,
		states: make(map[string]*EntityState),
	}
}

// Start starts the mock server on a random local port
func (s *MockHAServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("/api/states/", s.handlePostState)
	s.server = httptest.NewServer(mux)
}

// WebSocketURL returns the ws:// URL clients connect to
func (s *MockHAServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the server
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
}

// SetState sets a state and broadcasts the change event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState returns the current state of an entity, or nil
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// StateOf returns the state string of an entity, or "" if it does not exist
func (s *MockHAServer) StateOf(entityID string) string {
	if state := s.GetState(entityID); state != nil {
		return state.State
	}
	return ""
}

// PostedStates returns every REST state write since the last clear
func (s *MockHAServer) PostedStates() []PostedState {
	s.postedMu.Lock()
	defer s.postedMu.Unlock()
	return append([]PostedState(nil), s.posted...)
}

// ServiceCalls returns every call_service request received
func (s *MockHAServer) ServiceCalls() []ServiceCall {
	s.postedMu.Lock()
	defer s.postedMu.Unlock()
	return append([]ServiceCall(nil), s.calls...)
}

// callService applies the services plant care uses; others are only logged
func (s *MockHAServer) callService(req request) {
	s.postedMu.Lock()
	s.calls = append(s.calls, ServiceCall{Domain: req.Domain, Service: req.Service, ServiceData: req.ServiceData})
	s.postedMu.Unlock()

	if req.Domain != "input_number" || req.Service != "set_value" {
		return
	}
	entityID, _ := req.ServiceData["entity_id"].(string)
	value, ok := req.ServiceData["value"].(float64)
	current := s.GetState(entityID)
	if !ok || current == nil {
		return
	}
	s.SetState(entityID, strconv.FormatFloat(value, 'f', 1, 64), current.Attributes)
}

// ClearPostedStates resets the REST write log
func (s *MockHAServer) ClearPostedStates() {
	s.postedMu.Lock()
	defer s.postedMu.Unlock()
	s.posted = nil
}

func (s *MockHAServer) handlePostState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}

	entityID := strings.TrimPrefix(r.URL.Path, "/api/states/")
	var body struct {
		State      string                 `json:"state"`
		Attributes map[string]interface{} `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || entityID == "" {
		http.Error(w, "Invalid JSON specified.", http.StatusBadRequest)
		return
	}

	s.postedMu.Lock()
	s.posted = append(s.posted, PostedState{EntityID: entityID, State: body.State, Attributes: body.Attributes})
	s.postedMu.Unlock()

	status := http.StatusOK
	if s.GetState(entityID) == nil {
		status = http.StatusCreated
	}
	s.SetState(entityID, body.State, body.Attributes)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(s.GetState(entityID))
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var auth authMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	success := true
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "get_states":
			s.statesMu.RLock()
			states := make([]*EntityState, 0, len(s.states))
			for _, state := range s.states {
				states = append(states, state)
			}
			s.statesMu.RUnlock()

			result, _ := json.Marshal(states)
			wrapper.write(Message{ID: req.ID, Type: "result", Success: &success, Result: result})
		case "call_service":
			s.callService(req)
			wrapper.write(Message{ID: req.ID, Type: "result", Success: &success})
		default:
			// subscribe_events: acknowledge
			wrapper.write(Message{ID: req.ID, Type: "result", Success: &success})
		}
	}
}

// broadcastStateChange sends a state_changed event to all connections
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(stateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := append([]*connWrapper(nil), s.connections...)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}
