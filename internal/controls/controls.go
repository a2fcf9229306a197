// Package controls lets Home Assistant drive plant actions through helper
// entities. Pressing input_button.<plant>_watering_mark_watered marks the
// task done, and changing input_number.<plant>_<option> sets the option.
// Option changes made elsewhere are pushed back to the helper.
package controls

import (
	"errors"
	"fmt"
	"sync"

	"plantcare/internal/care"
	"plantcare/internal/entities"
	"plantcare/internal/ha"
	"plantcare/internal/plant"

	"go.uber.org/zap"
)

// Actions are the plant operations a helper can trigger
type Actions interface {
	MarkDone(entryID string, kind care.TaskKind) error
	SetOption(entryID, key string, value float64) error
}

// binding ties one helper to the action it triggers. kind is set for
// buttons, key for numbers.
type binding struct {
	entryID string
	kind    care.TaskKind
	key     string
	actions Actions
	sub     ha.Subscription
}

// Controls binds helpers of loaded entries to their actions
type Controls struct {
	client   ha.HAClient
	registry *entities.Registry
	readOnly bool
	logger   *zap.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	byEntry  map[string][]string
	// last usable state of helpers that exist in Home Assistant
	helpers map[string]string
	// current option value behind each number helper
	values map[string]float64

	// state changes are applied in order by one worker
	queueMu   sync.Mutex
	queue     []stateChange
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type stateChange struct {
	entityID string
	oldState *ha.State
	newState *ha.State
}

func New(client ha.HAClient, registry *entities.Registry, logger *zap.Logger, readOnly bool) *Controls {
	if registry == nil {
		registry = entities.DefaultRegistry()
	}
	c := &Controls{
		client:   client,
		registry: registry,
		readOnly: readOnly,
		logger:   logger.Named("controls"),
		bindings: make(map[string]*binding),
		byEntry:  make(map[string][]string),
		helpers:  make(map[string]string),
		values:   make(map[string]float64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	client.OnReconnect(c.resync)
	go c.run()
	return c
}

// Attach subscribes to the helpers of entry. Helpers that do not exist yet
// are bound as well and start working once they are created.
func (c *Controls) Attach(entry plant.Entry, actions Actions) error {
	c.Detach(entry.EntryID)

	existing := c.helperStates()

	var errs []error
	var ids []string
	for _, e := range c.registry.Project(entry, nil) {
		helper := e.ControlEntityID()
		if helper == "" {
			continue
		}

		b := &binding{entryID: entry.EntryID, actions: actions}
		switch e.Platform {
		case entities.PlatformButton:
			task, _ := e.Attributes["task"].(string)
			b.kind = care.TaskKind(task)
		case entities.PlatformNumber:
			b.key, _ = e.Attributes["option"].(string)
		}

		sub, err := c.client.SubscribeStateChanges(helper, c.handleStateChange)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to subscribe to %s: %w", helper, err))
			continue
		}
		b.sub = sub

		c.mu.Lock()
		c.bindings[helper] = b
		if state, ok := existing[helper]; ok && usable(state) {
			c.helpers[helper] = state
		}
		c.mu.Unlock()
		ids = append(ids, helper)
	}

	c.mu.Lock()
	c.byEntry[entry.EntryID] = ids
	found := 0
	for _, id := range ids {
		if _, ok := c.helpers[id]; ok {
			found++
		}
	}
	c.mu.Unlock()

	c.logger.Info("Controls attached",
		zap.String("plant_id", entry.PlantID),
		zap.Int("helpers", len(ids)),
		zap.Int("present", found))
	return errors.Join(errs...)
}

// Detach drops every helper binding of an entry
func (c *Controls) Detach(entryID string) {
	c.mu.Lock()
	ids := c.byEntry[entryID]
	delete(c.byEntry, entryID)
	var subs []ha.Subscription
	for _, id := range ids {
		if b, ok := c.bindings[id]; ok {
			subs = append(subs, b.sub)
		}
		delete(c.bindings, id)
		delete(c.helpers, id)
		delete(c.values, id)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe helper", zap.Error(err))
		}
	}
}

// Bound returns the number of bound helpers
func (c *Controls) Bound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}

// Sync pushes the entry's option values to number helpers that disagree.
// It matches coordinator.Listener.
func (c *Controls) Sync(entry plant.Entry, _ *care.Snapshot) {
	type push struct {
		helper string
		value  float64
	}
	var pushes []push

	c.mu.Lock()
	for _, id := range c.byEntry[entry.EntryID] {
		b := c.bindings[id]
		if b == nil || b.key == "" {
			continue
		}
		value, ok := entry.Options.Value(b.key)
		if !ok {
			continue
		}
		c.values[id] = value

		state, exists := c.helpers[id]
		if !exists {
			continue
		}
		if current, ok := care.ParseReading(state); ok && current == value {
			continue
		}
		pushes = append(pushes, push{helper: id, value: value})
	}
	c.mu.Unlock()

	for _, p := range pushes {
		c.setValue(p.helper, p.value)
	}
}

// Close drops every binding and stops applying state changes
func (c *Controls) Close() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	entryIDs := make([]string, 0, len(c.byEntry))
	for id := range c.byEntry {
		entryIDs = append(entryIDs, id)
	}
	c.mu.Unlock()

	for _, id := range entryIDs {
		c.Detach(id)
	}
}

// handleStateChange runs on the Home Assistant event goroutine. Actions
// refresh coordinators and may call services, so it only queues the change
// for the worker and never blocks.
func (c *Controls) handleStateChange(entityID string, oldState, newState *ha.State) {
	c.queueMu.Lock()
	c.queue = append(c.queue, stateChange{entityID: entityID, oldState: oldState, newState: newState})
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controls) run() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		c.queueMu.Lock()
		pending := c.queue
		c.queue = nil
		c.queueMu.Unlock()

		for _, change := range pending {
			c.apply(change.entityID, change.oldState, change.newState)
		}
	}
}

func (c *Controls) apply(entityID string, oldState, newState *ha.State) {
	c.mu.Lock()
	b, ok := c.bindings[entityID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if newState == nil {
		delete(c.helpers, entityID)
		c.mu.Unlock()
		return
	}
	if !usable(newState.State) {
		c.mu.Unlock()
		return
	}
	previous, existed := c.helpers[entityID]
	c.helpers[entityID] = newState.State
	current, known := c.values[entityID]
	c.mu.Unlock()

	if existed && previous == newState.State {
		return
	}

	if b.kind != "" {
		// A press moves the helper to the press time. Creation and recovery
		// from unavailable are not presses.
		if oldState == nil || oldState.State == entities.StateUnavailable {
			return
		}
		c.logger.Info("Helper pressed",
			zap.String("entity_id", entityID),
			zap.String("task", string(b.kind)))
		if err := b.actions.MarkDone(b.entryID, b.kind); err != nil {
			c.logger.Warn("Failed to mark task done from helper",
				zap.String("entity_id", entityID),
				zap.Error(err))
		}
		return
	}

	value, ok := care.ParseReading(newState.State)
	if !ok {
		return
	}
	if known && value == current {
		return
	}
	// a newly created helper takes the option value, not the other way round
	if oldState == nil {
		if known {
			c.setValue(entityID, current)
		}
		return
	}

	c.logger.Info("Helper changed",
		zap.String("entity_id", entityID),
		zap.String("option", b.key),
		zap.Float64("value", value))
	if err := b.actions.SetOption(b.entryID, b.key, value); err != nil {
		c.logger.Warn("Rejected option from helper",
			zap.String("entity_id", entityID),
			zap.Float64("value", value),
			zap.Error(err))
		if known {
			c.setValue(entityID, current)
		}
	}
}

func (c *Controls) setValue(helper string, value float64) {
	if c.readOnly {
		c.logger.Info("READ-ONLY: Would set helper",
			zap.String("entity_id", helper),
			zap.Float64("value", value))
		return
	}

	err := c.client.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": helper,
		"value":     value,
	})
	if err != nil {
		c.logger.Warn("Failed to set helper", zap.String("entity_id", helper), zap.Error(err))
		return
	}
	c.logger.Debug("Helper updated", zap.String("entity_id", helper), zap.Float64("value", value))
}

// helperStates returns the current state of every entity, or nothing when
// Home Assistant cannot be read.
func (c *Controls) helperStates() map[string]string {
	states, err := c.client.GetAllStates()
	if err != nil {
		c.logger.Warn("Failed to read helper states", zap.Error(err))
		return nil
	}
	result := make(map[string]string, len(states))
	for _, state := range states {
		result[state.EntityID] = state.State
	}
	return result
}

// resync reloads helper states after a reconnect without triggering
// actions; presses missed while disconnected are dropped.
func (c *Controls) resync() {
	existing := c.helperStates()
	if existing == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.bindings {
		if state, ok := existing[id]; ok && usable(state) {
			c.helpers[id] = state
		} else if !ok {
			delete(c.helpers, id)
		}
	}
}

func usable(state string) bool {
	return state != "" && state != entities.StateUnknown && state != entities.StateUnavailable
}
