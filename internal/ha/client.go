package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// requestTimeout bounds every request sent over the WebSocket
const requestTimeout = 10 * time.Second

var (
	ErrNotConnected     = errors.New("not connected to Home Assistant")
	ErrAlreadyConnected = errors.New("already connected")
	ErrEntityNotFound   = errors.New("entity not found")
)

// HAClient is the subset of the Home Assistant WebSocket API used to read
// source sensors and follow their changes.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	CallService(domain, service string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	OnReconnect(handler func())
}

// Client implements HAClient over the Home Assistant WebSocket API
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subsMu sync.RWMutex
	subs   subscriberSet

	reconnectMu       sync.RWMutex
	reconnectHandlers []func()
}

// NewClient creates a client for the given ws:// or wss:// URL
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger.Named("ha"),
		pending:   make(map[int]chan Message),
		subs:      newSubscriberSet(),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

// Connect dials Home Assistant, authenticates and subscribes to state_changed.
func (c *Client) Connect() error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return ErrAlreadyConnected
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	ctx := c.ctx
	c.connMu.Unlock()

	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))
	go c.receiveMessages(ctx, conn)

	if _, err := c.request(&SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: "state_changed",
	}); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}

	return nil
}

// authenticate runs the auth_required / auth / auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", reply.Type)
	}
}

// Disconnect closes the connection and stops reconnect attempts
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

func requestID(msg interface{}) (int, error) {
	switch m := msg.(type) {
	case *CallServiceRequest:
		return m.ID, nil
	case *GetStatesRequest:
		return m.ID, nil
	case *SubscribeEventsRequest:
		return m.ID, nil
	default:
		return 0, fmt.Errorf("unsupported request type %T", msg)
	}
}

// request writes msg and waits for the matching result frame
func (c *Client) request(msg interface{}) (*Message, error) {
	id, err := requestID(msg)
	if err != nil {
		return nil, err
	}

	c.connMu.RLock()
	conn, ctx, connected := c.conn, c.ctx, c.connected
	c.connMu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %w", resp.Error)
			}
			return nil, fmt.Errorf("request %d failed", id)
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response to request %d", id)
	case <-ctx.Done():
		return nil, ErrNotConnected
	}
}

// receiveMessages routes results to waiting requests and events to subscribers
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	handlers := c.subs.handlers(data.EntityID)
	c.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(data.EntityID, data.OldState, data.NewState)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	conn.Close()
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")
	if reconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect retries Connect with exponential backoff. Subscriptions
// are kept, so handlers resume receiving events after a reconnect.
func (c *Client) attemptReconnect() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		stop := !c.reconnect || c.connected
		c.connMu.RUnlock()
		if stop {
			return
		}

		c.logger.Info("Attempting to reconnect...")
		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err), zap.Duration("backoff", backoff))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		c.notifyReconnect()
		return
	}
}

// OnReconnect registers handler to run after every successful reconnect.
// Events missed while disconnected are not replayed, so handlers should
// reload the states they depend on.
func (c *Client) OnReconnect(handler func()) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.reconnectHandlers = append(c.reconnectHandlers, handler)
}

func (c *Client) notifyReconnect() {
	c.reconnectMu.RLock()
	handlers := append([]func(){}, c.reconnectHandlers...)
	c.reconnectMu.RUnlock()

	for _, handler := range handlers {
		handler()
	}
}

// GetState returns the current state of one entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
}

func (c *Client) GetAllStates() ([]*State, error) {
	resp, err := c.request(&GetStatesRequest{ID: c.nextMsgID(), Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	_, err := c.request(&CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// SubscribeStateChanges registers handler for state changes of entityID
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	id := c.subs.add(entityID, handler)
	c.subsMu.Unlock()

	return &subscription{entityID: entityID, subID: id, client: c}, nil
}

type subscription struct {
	entityID string
	subID    int
	client   *Client
	once     sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.client.subsMu.Lock()
		s.client.subs.remove(s.entityID, s.subID)
		s.client.subsMu.Unlock()
	})
	return nil
}
