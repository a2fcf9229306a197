package ha

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ServiceCall records a service call made against MockClient
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// PostedState records a state written through MockClient.PostState
type PostedState struct {
	EntityID   string
	State      string
	Attributes map[string]interface{}
}

// MockClient implements HAClient and StateWriter in memory for tests
type MockClient struct {
	statesMu sync.RWMutex
	states   map[string]*State

	subsMu sync.RWMutex
	subs   subscriberSet

	connMu    sync.RWMutex
	connected bool

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	posted       []PostedState

	errMu    sync.Mutex
	failures map[string]error

	reconnectMu       sync.Mutex
	reconnectHandlers []func()
}

func NewMockClient() *MockClient {
	return &MockClient{
		states:   make(map[string]*State),
		subs:     newSubscriberSet(),
		failures: make(map[string]error),
	}
}

type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	s.mock.subsMu.Lock()
	defer s.mock.subsMu.Unlock()
	s.mock.subs.remove(s.entityID, s.subID)
	return nil
}

func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return ErrAlreadyConnected
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subs = newSubscriberSet()
	m.subsMu.Unlock()
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// FailOn makes the named operation ("GetState", "GetAllStates", "PostState",
// "CallService") return err until cleared with a nil err.
func (m *MockClient) FailOn(op string, err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockClient) failure(op string) error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.failures[op]
}

func (m *MockClient) GetState(entityID string) (*State, error) {
	if err := m.failure("GetState"); err != nil {
		return nil, err
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return state, nil
}

func (m *MockClient) GetAllStates() ([]*State, error) {
	if err := m.failure("GetAllStates"); err != nil {
		return nil, err
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	return states, nil
}

// CallService records the call. input_number.set_value is applied to the
// target entity like Home Assistant would; other services change nothing.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	if err := m.failure("CallService"); err != nil {
		return err
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if domain == "input_number" && service == "set_value" {
		entityID, _ := data["entity_id"].(string)
		if value, ok := data["value"].(float64); ok && entityID != "" {
			m.SimulateStateChange(entityID, strconv.FormatFloat(value, 'f', 1, 64))
		}
	}
	return nil
}

func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	id := m.subs.add(entityID, handler)
	m.subsMu.Unlock()

	return &mockSubscription{entityID: entityID, subID: id, mock: m}, nil
}

// PostState records the write and applies it like Home Assistant would
func (m *MockClient) PostState(entityID, state string, attributes map[string]interface{}) error {
	if err := m.failure("PostState"); err != nil {
		return err
	}

	m.callsMu.Lock()
	m.posted = append(m.posted, PostedState{EntityID: entityID, State: state, Attributes: attributes})
	m.callsMu.Unlock()

	m.SetState(entityID, state, attributes)
	return nil
}

// SetState sets an entity state and notifies subscribers
func (m *MockClient) SetState(entityID, value string, attributes map[string]interface{}) {
	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SimulateStateChange changes only the state value, keeping attributes
func (m *MockClient) SimulateStateChange(entityID, value string) {
	m.statesMu.RLock()
	var attributes map[string]interface{}
	if old, ok := m.states[entityID]; ok {
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, value, attributes)
}

// RemoveState deletes an entity and notifies subscribers with a nil new state
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	oldState, ok := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	if ok {
		m.notifySubscribers(entityID, oldState, nil)
	}
}

func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

// PostedStates returns every state written through PostState, in order
func (m *MockClient) PostedStates() []PostedState {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]PostedState(nil), m.posted...)
}

func (m *MockClient) ClearPostedStates() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.posted = nil
}

func (m *MockClient) OnReconnect(handler func()) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	m.reconnectHandlers = append(m.reconnectHandlers, handler)
}

// SimulateReconnect runs the reconnect handlers as the real client does
// after re-establishing a dropped connection.
func (m *MockClient) SimulateReconnect() {
	m.reconnectMu.Lock()
	handlers := append([]func(){}, m.reconnectHandlers...)
	m.reconnectMu.Unlock()

	for _, handler := range handlers {
		handler()
	}
}

// SetStateQuietly changes an entity without notifying subscribers, like a
// change that happened while the connection was down.
func (m *MockClient) SetStateQuietly(entityID, value string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	var attributes map[string]interface{}
	if old, ok := m.states[entityID]; ok {
		attributes = old.Attributes
	}
	now := time.Now()
	m.states[entityID] = &State{EntityID: entityID, State: value, Attributes: attributes, LastChanged: now, LastUpdated: now}
}

// SubscriberCount returns the number of handlers registered for entityID
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subs.entries[entityID])
}

func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	handlers := m.subs.handlers(entityID)
	m.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(entityID, oldState, newState)
	}
}
