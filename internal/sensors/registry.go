// Package sensors keeps the current state of the Home Assistant entities
// that plants use as environment sources.
package sensors

import (
	"fmt"
	"sort"
	"sync"

	"plantcare/internal/ha"

	"go.uber.org/zap"
)

// ChangeHandler is called after a tracked entity's cached value changed.
// ok is false when the entity was removed from Home Assistant.
type ChangeHandler func(entityID, value string, ok bool)

// Registry caches raw states of tracked entities. Entities are tracked on
// first read and kept current through state_changed subscriptions.
type Registry struct {
	client ha.HAClient
	logger *zap.Logger

	mu      sync.RWMutex
	cache   map[string]string
	tracked map[string]ha.Subscription

	handlersMu sync.RWMutex
	handlers   []ChangeHandler
}

// NewRegistry creates a registry and resyncs it whenever client reconnects
func NewRegistry(client ha.HAClient, logger *zap.Logger) *Registry {
	r := &Registry{
		client:  client,
		logger:  logger.Named("sensors"),
		cache:   make(map[string]string),
		tracked: make(map[string]ha.Subscription),
	}
	client.OnReconnect(r.resync)
	return r
}

func (r *Registry) resync() {
	if err := r.Sync(); err != nil {
		r.logger.Warn("Failed to resync sensors after reconnect", zap.Error(err))
	}
}

// Read returns the raw state of entityID. Untracked entities, and tracked
// ones without a cached value, are fetched from Home Assistant.
func (r *Registry) Read(entityID string) (string, bool) {
	if entityID == "" {
		return "", false
	}

	r.mu.RLock()
	value, cached := r.cache[entityID]
	_, tracked := r.tracked[entityID]
	r.mu.RUnlock()
	if cached {
		return value, true
	}

	if !tracked {
		if err := r.Track(entityID); err != nil {
			r.logger.Warn("Failed to track entity", zap.String("entity_id", entityID), zap.Error(err))
		}
	}
	return r.fetch(entityID)
}

func (r *Registry) fetch(entityID string) (string, bool) {
	state, err := r.client.GetState(entityID)
	if err != nil {
		r.logger.Debug("Source entity unavailable",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return "", false
	}

	r.mu.Lock()
	r.cache[entityID] = state.State
	r.mu.Unlock()
	return state.State, true
}

// Track subscribes to state changes of entityID. Tracking twice is a no-op.
func (r *Registry) Track(entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tracked[entityID]; ok {
		return nil
	}

	sub, err := r.client.SubscribeStateChanges(entityID, r.handleStateChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", entityID, err)
	}
	r.tracked[entityID] = sub

	r.logger.Debug("Tracking entity", zap.String("entity_id", entityID))
	return nil
}

// Untrack stops following entityID and drops its cached value
func (r *Registry) Untrack(entityID string) {
	r.mu.Lock()
	sub, ok := r.tracked[entityID]
	delete(r.tracked, entityID)
	delete(r.cache, entityID)
	r.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to unsubscribe", zap.String("entity_id", entityID), zap.Error(err))
		}
	}
}

// Tracked returns the tracked entity ids in sorted order
func (r *Registry) Tracked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sync reloads every tracked entity from one get_states call. Tracked
// entities missing from Home Assistant lose their cached value. Values that
// changed are reported to the OnChange handlers.
func (r *Registry) Sync() error {
	states, err := r.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	byID := make(map[string]string, len(states))
	for _, state := range states {
		byID[state.EntityID] = state.State
	}

	type change struct {
		entityID, value string
		ok              bool
	}
	var changes []change

	r.mu.Lock()
	synced := 0
	for id := range r.tracked {
		previous, had := r.cache[id]
		value, ok := byID[id]
		if ok {
			r.cache[id] = value
			synced++
		} else {
			delete(r.cache, id)
		}
		if had != ok || previous != value {
			changes = append(changes, change{entityID: id, value: value, ok: ok})
		}
	}
	total := len(r.tracked)
	r.mu.Unlock()

	r.logger.Info("Sensor sync complete",
		zap.Int("synced", synced),
		zap.Int("tracked", total),
		zap.Int("changed", len(changes)))

	for _, c := range changes {
		r.notify(c.entityID, c.value, c.ok)
	}
	return nil
}

// OnChange registers a handler for value changes of tracked entities
func (r *Registry) OnChange(handler ChangeHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// handleStateChange runs on the Home Assistant event goroutine and must not
// issue requests back to Home Assistant.
func (r *Registry) handleStateChange(entityID string, oldState, newState *ha.State) {
	r.mu.Lock()
	if _, ok := r.tracked[entityID]; !ok {
		r.mu.Unlock()
		return
	}
	previous, had := r.cache[entityID]
	var value string
	present := newState != nil
	if present {
		value = newState.State
		r.cache[entityID] = value
	} else {
		delete(r.cache, entityID)
	}
	r.mu.Unlock()

	if had == present && previous == value {
		return
	}

	r.logger.Debug("Source entity changed",
		zap.String("entity_id", entityID),
		zap.String("old", previous),
		zap.String("new", value))

	r.notify(entityID, value, present)
}

func (r *Registry) notify(entityID, value string, ok bool) {
	r.handlersMu.RLock()
	handlers := append([]ChangeHandler(nil), r.handlers...)
	r.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(entityID, value, ok)
	}
}

// Close drops every subscription
func (r *Registry) Close() {
	for _, id := range r.Tracked() {
		r.Untrack(id)
	}
}
