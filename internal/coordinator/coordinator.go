// Package coordinator runs the refresh cycle of one plant entry and owns its
// mutations (mark done, option and source changes).
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/clock"
	"plantcare/internal/plant"
	"plantcare/internal/storage"

	"go.uber.org/zap"
)

// StateStore persists last-done timestamps
type StateStore interface {
	EntryState(entryID string) (storage.PlantState, error)
	SetLastDone(entryID string, kind care.TaskKind, iso string) error
}

// EntrySaver persists entry options
type EntrySaver interface {
	SaveEntry(entry plant.Entry) error
}

// SensorReader returns the raw state of a source entity
type SensorReader interface {
	Read(entityID string) (string, bool)
}

// RefreshObserver is told about every refresh attempt
type RefreshObserver interface {
	ObserveRefresh(plantID string, took time.Duration, err error)
}

// Listener receives every published snapshot together with the entry it
// was computed for. Listeners must not call back into the coordinator's
// mutating methods.
type Listener func(entry plant.Entry, snap *care.Snapshot)

// Config holds the dependencies of a Coordinator
type Config struct {
	Entry    plant.Entry
	States   StateStore
	Entries  EntrySaver
	Sensors  SensorReader
	Clock    clock.Clock
	Location *time.Location
	Logger   *zap.Logger
	Observer RefreshObserver
}

// Coordinator serializes refreshes and mutations for one entry
type Coordinator struct {
	states   StateStore
	entries  EntrySaver
	sensors  SensorReader
	clock    clock.Clock
	loc      *time.Location
	logger   *zap.Logger
	observer RefreshObserver

	// mu serializes refresh and mutations; notifyMu keeps listener
	// delivery in the same order as the refreshes
	mu       sync.Mutex
	notifyMu sync.Mutex

	entry    atomic.Pointer[plant.Entry]
	snapshot atomic.Pointer[care.Snapshot]

	statusMu    sync.RWMutex
	lastSuccess bool
	lastErr     error
	lastRefresh time.Time

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Coordinator{
		states:    cfg.States,
		entries:   cfg.Entries,
		sensors:   cfg.Sensors,
		clock:     cfg.Clock,
		loc:       cfg.Location,
		observer:  cfg.Observer,
		listeners: make(map[int]Listener),
		logger: cfg.Logger.Named("coordinator").With(
			zap.String("entry_id", cfg.Entry.EntryID),
			zap.String("plant_id", cfg.Entry.PlantID)),
	}
	entry := cfg.Entry
	c.entry.Store(&entry)
	return c
}

// Entry returns the entry as of the last mutation
func (c *Coordinator) Entry() plant.Entry {
	return *c.entry.Load()
}

// Snapshot returns the last published snapshot, or nil before the first
// successful refresh.
func (c *Coordinator) Snapshot() *care.Snapshot {
	return c.snapshot.Load()
}

// LastUpdateSuccess reports whether the most recent refresh succeeded
func (c *Coordinator) LastUpdateSuccess() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastSuccess
}

// LastError returns the error of the most recent refresh, if it failed
func (c *Coordinator) LastError() error {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastErr
}

// LastRefresh returns when the most recent refresh attempt finished
func (c *Coordinator) LastRefresh() time.Time {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastRefresh
}

// AddListener registers l and returns a function that removes it
func (c *Coordinator) AddListener(l Listener) (remove func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// Refresh recomputes the snapshot from persisted state and live readings
func (c *Coordinator) Refresh() error {
	c.mu.Lock()
	return c.refreshAndUnlock()
}

// MarkDone records now as the last completion of kind and refreshes
func (c *Coordinator) MarkDone(kind care.TaskKind) error {
	if _, err := care.ParseTaskKind(string(kind)); err != nil {
		return err
	}

	c.mu.Lock()
	entry := c.Entry()
	now := c.clock.Now().In(c.loc)
	if err := c.states.SetLastDone(entry.EntryID, kind, care.FormatTimestamp(now)); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to mark %s done for %s: %w", kind, entry.PlantID, err)
	}

	c.logger.Info("Task marked done",
		zap.String("task", string(kind)),
		zap.Time("at", now))
	return c.refreshAndUnlock()
}

// SetOption validates and stores a numeric option, then refreshes
func (c *Coordinator) SetOption(key string, value float64) error {
	return c.mutate(func(opts *plant.Options) error {
		return opts.Set(key, value)
	}, zap.String("option", key), zap.Float64("value", value))
}

// SetSource points metric at a source entity ("" clears it), then refreshes
func (c *Coordinator) SetSource(metric care.Metric, entityID string) error {
	if _, err := care.ParseMetric(string(metric)); err != nil {
		return err
	}
	return c.mutate(func(opts *plant.Options) error {
		opts.SetSource(metric, entityID)
		return nil
	}, zap.String("metric", string(metric)), zap.String("source", entityID))
}

func (c *Coordinator) mutate(apply func(*plant.Options) error, fields ...zap.Field) error {
	c.mu.Lock()
	entry := c.Entry()
	if err := apply(&entry.Options); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.entries.SaveEntry(entry); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to save options for %s: %w", entry.PlantID, err)
	}
	c.entry.Store(&entry)

	c.logger.Info("Options updated", fields...)
	return c.refreshAndUnlock()
}

// refreshAndUnlock must be called with mu held. It releases mu before
// listeners run.
func (c *Coordinator) refreshAndUnlock() error {
	start := c.clock.Now()
	entry := c.Entry()
	snap, err := c.compute(entry)

	c.statusMu.Lock()
	c.lastSuccess = err == nil
	c.lastErr = err
	c.lastRefresh = c.clock.Now()
	c.statusMu.Unlock()

	if c.observer != nil {
		c.observer.ObserveRefresh(entry.PlantID, c.clock.Now().Sub(start), err)
	}

	if err != nil {
		c.mu.Unlock()
		c.logger.Error("Refresh failed, keeping previous snapshot", zap.Error(err))
		return err
	}

	c.snapshot.Store(snap)
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	c.logger.Debug("Refreshed",
		zap.Int("due", snap.DueCount()),
		zap.Int("out_of_range", snap.OutOfRangeCount()))

	c.listenersMu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l(entry, snap)
	}
	return nil
}

func (c *Coordinator) compute(entry plant.Entry) (*care.Snapshot, error) {
	state, err := c.states.EntryState(entry.EntryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", entry.PlantID, err)
	}

	today := care.DateOf(c.clock.Now().In(c.loc))
	snap := &care.Snapshot{PlantName: entry.DisplayName()}

	for _, kind := range care.TaskKinds {
		lastDone := c.parseLastDone(kind, state.LastDone(kind))
		snap.Tasks.Set(kind, care.ComputeTask(lastDone, entry.Options.Interval(kind), today))
	}

	for _, metric := range care.Metrics {
		min, max := entry.Options.Bounds(metric)
		value := c.reading(metric, entry.Options.Source(metric))
		snap.Env.Set(metric, care.ComputeBounds(value, min, max))
	}

	return snap, nil
}

func (c *Coordinator) parseLastDone(kind care.TaskKind, iso *string) *time.Time {
	if iso == nil {
		return nil
	}
	t, ok := care.ParseTimestamp(*iso, c.loc)
	if !ok {
		c.logger.Debug("Ignoring unparseable last done timestamp",
			zap.String("task", string(kind)),
			zap.String("value", *iso))
		return nil
	}
	return &t
}

func (c *Coordinator) reading(metric care.Metric, entityID string) *float64 {
	if entityID == "" || c.sensors == nil {
		return nil
	}

	raw, ok := c.sensors.Read(entityID)
	if !ok {
		return nil
	}
	value, ok := care.ParseReading(raw)
	if !ok {
		c.logger.Debug("Ignoring non-numeric reading",
			zap.String("metric", string(metric)),
			zap.String("entity_id", entityID),
			zap.String("state", raw))
		return nil
	}
	return &value
}
