// Package integration manages the lifecycle of plant entries: creation,
// setup of their coordinators and triggers, unload and removal.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/clock"
	"plantcare/internal/controls"
	"plantcare/internal/coordinator"
	"plantcare/internal/metrics"
	"plantcare/internal/plant"
	"plantcare/internal/scheduler"
	"plantcare/internal/sensors"

	"go.uber.org/zap"
)

var (
	ErrEntryNotFound     = errors.New("entry not found")
	ErrAlreadyConfigured = errors.New("plant already configured")
)

// Defaults for the refresh triggers of every entry
const (
	DefaultRefreshInterval = 15 * time.Minute
	DefaultDailyRefreshAt  = "03:00"
	DefaultStartupDelay    = 60 * time.Second
)

// Store persists entries and their last-done state
type Store interface {
	coordinator.StateStore
	coordinator.EntrySaver
	Entries() ([]plant.Entry, error)
	DeleteEntry(entryID string) error
	RemoveEntryState(entryID string) error
}

// Sensors provides source readings and notifies about their changes
type Sensors interface {
	coordinator.SensorReader
	OnChange(handler sensors.ChangeHandler)
}

// EntityPublisher mirrors entries to Home Assistant entities
type EntityPublisher interface {
	Publish(entry plant.Entry, snap *care.Snapshot)
	Retire(entry plant.Entry) error
}

// SnapshotPublisher mirrors snapshots to MQTT
type SnapshotPublisher interface {
	Publish(entry plant.Entry, snap *care.Snapshot)
	Clear(plantID string) error
}

// ControlSurface binds Home Assistant helpers to the actions of an entry
type ControlSurface interface {
	Attach(entry plant.Entry, actions controls.Actions) error
	Detach(entryID string)
	Sync(entry plant.Entry, snap *care.Snapshot)
}

// Config holds the dependencies of an Integration. Entities, MQTT, Controls
// and Metrics are optional.
type Config struct {
	Store     Store
	Sensors   Sensors
	Scheduler *scheduler.Scheduler
	Clock     clock.Clock
	Location  *time.Location
	Logger    *zap.Logger

	Entities EntityPublisher
	MQTT     SnapshotPublisher
	Controls ControlSurface
	Metrics  *metrics.Metrics

	RefreshInterval time.Duration
	DailyRefreshAt  string
	StartupDelay    time.Duration
}

type loadedEntry struct {
	coord   *coordinator.Coordinator
	group   *scheduler.Group
	removes []func()
}

// Integration holds the coordinator of every loaded entry
type Integration struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*loadedEntry
	// plant ids reserved by a CreateEntry that has not finished
	pending map[string]struct{}
}

func New(cfg Config) *Integration {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(cfg.Location, cfg.Clock, cfg.Logger)
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.DailyRefreshAt == "" {
		cfg.DailyRefreshAt = DefaultDailyRefreshAt
	}

	i := &Integration{
		cfg:     cfg,
		logger:  cfg.Logger.Named("integration"),
		entries: make(map[string]*loadedEntry),
		pending: make(map[string]struct{}),
	}
	if cfg.Sensors != nil {
		cfg.Sensors.OnChange(i.handleSourceChange)
	}
	return i
}

// Start sets up every persisted entry, then creates entries for seeds whose
// plant id is not configured yet, and starts the scheduler.
func (i *Integration) Start(seeds []plant.Entry) error {
	stored, err := i.cfg.Store.Entries()
	if err != nil {
		return fmt.Errorf("failed to load entries: %w", err)
	}

	for _, entry := range stored {
		if err := i.SetupEntry(entry); err != nil {
			i.logger.Error("Failed to set up entry",
				zap.String("entry_id", entry.EntryID),
				zap.String("plant_id", entry.PlantID),
				zap.Error(err))
		}
	}

	i.Seed(seeds)

	i.cfg.Scheduler.Start()
	i.logger.Info("Integration started", zap.Int("entries", i.count()))
	return nil
}

// Seed creates an entry for every seed whose plant id is not configured
// yet and returns how many were created.
func (i *Integration) Seed(seeds []plant.Entry) int {
	created := 0
	for _, seed := range seeds {
		if _, err := i.CreateEntry(seed.PlantName, seed.Options); err != nil {
			if errors.Is(err, ErrAlreadyConfigured) {
				i.logger.Debug("Seed already configured", zap.String("plant", seed.PlantName))
				continue
			}
			i.logger.Error("Failed to create seeded entry", zap.String("plant", seed.PlantName), zap.Error(err))
			continue
		}
		created++
	}
	return created
}

// Stop stops the scheduler and unloads every entry
func (i *Integration) Stop(ctx context.Context) {
	i.cfg.Scheduler.Stop(ctx)

	for _, entry := range i.Entries() {
		if err := i.UnloadEntry(entry.EntryID); err != nil {
			i.logger.Warn("Failed to unload entry", zap.String("entry_id", entry.EntryID), zap.Error(err))
		}
	}
	i.logger.Info("Integration stopped")
}

// CreateEntry creates, persists and sets up a new plant
func (i *Integration) CreateEntry(name string, opts plant.Options) (plant.Entry, error) {
	entry, err := plant.NewEntry(name, opts)
	if err != nil {
		return plant.Entry{}, err
	}
	if !i.reserve(entry.PlantID) {
		return plant.Entry{}, fmt.Errorf("%w: %s", ErrAlreadyConfigured, entry.PlantID)
	}
	defer i.release(entry.PlantID)

	if err := i.cfg.Store.SaveEntry(entry); err != nil {
		return plant.Entry{}, fmt.Errorf("failed to save entry %s: %w", entry.PlantID, err)
	}
	if err := i.SetupEntry(entry); err != nil {
		if delErr := i.cfg.Store.DeleteEntry(entry.EntryID); delErr != nil {
			i.logger.Error("Failed to delete entry after failed setup",
				zap.String("entry_id", entry.EntryID),
				zap.String("plant_id", entry.PlantID),
				zap.Error(delErr))
		}
		return plant.Entry{}, err
	}

	i.logger.Info("Plant created",
		zap.String("entry_id", entry.EntryID),
		zap.String("plant_id", entry.PlantID))
	return entry, nil
}

// SetupEntry builds the entry's coordinator, attaches observers, runs the
// first refresh and schedules the delayed, periodic and daily refreshes.
func (i *Integration) SetupEntry(entry plant.Entry) error {
	if entry.Options == (plant.Options{}) {
		entry.Options = plant.DefaultOptions()
		if err := i.cfg.Store.SaveEntry(entry); err != nil {
			return fmt.Errorf("failed to save default options for %s: %w", entry.PlantID, err)
		}
	}

	i.mu.Lock()
	if _, ok := i.entries[entry.EntryID]; ok {
		i.mu.Unlock()
		return fmt.Errorf("%w: entry %s", ErrAlreadyConfigured, entry.EntryID)
	}
	for _, loaded := range i.entries {
		if loaded.coord.Entry().PlantID == entry.PlantID {
			i.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyConfigured, entry.PlantID)
		}
	}

	var observer coordinator.RefreshObserver
	if i.cfg.Metrics != nil {
		observer = i.cfg.Metrics
	}
	coord := coordinator.New(coordinator.Config{
		Entry:    entry,
		States:   i.cfg.Store,
		Entries:  i.cfg.Store,
		Sensors:  i.cfg.Sensors,
		Clock:    i.cfg.Clock,
		Location: i.cfg.Location,
		Logger:   i.cfg.Logger,
		Observer: observer,
	})

	loaded := &loadedEntry{
		coord: coord,
		group: i.cfg.Scheduler.NewGroup(entry.PlantID),
	}
	if i.cfg.Entities != nil {
		loaded.removes = append(loaded.removes, coord.AddListener(i.cfg.Entities.Publish))
	}
	if i.cfg.MQTT != nil {
		loaded.removes = append(loaded.removes, coord.AddListener(i.cfg.MQTT.Publish))
	}
	if i.cfg.Metrics != nil {
		loaded.removes = append(loaded.removes, coord.AddListener(i.cfg.Metrics.Record))
	}
	if i.cfg.Controls != nil {
		loaded.removes = append(loaded.removes, coord.AddListener(i.cfg.Controls.Sync))
	}
	i.entries[entry.EntryID] = loaded
	count := len(i.entries)
	i.mu.Unlock()

	i.cfg.Metrics.SetPlants(count)

	if i.cfg.Controls != nil {
		if err := i.cfg.Controls.Attach(entry, i); err != nil {
			i.logger.Warn("Failed to bind helpers",
				zap.String("plant_id", entry.PlantID),
				zap.Error(err))
		}
	}

	if err := coord.Refresh(); err != nil {
		i.logger.Warn("First refresh failed, will retry on schedule",
			zap.String("plant_id", entry.PlantID),
			zap.Error(err))
	}

	refresh := func() { i.scheduledRefresh(coord) }
	if i.cfg.StartupDelay > 0 {
		loaded.group.After(i.cfg.StartupDelay, refresh)
	}
	if err := loaded.group.Every(i.cfg.RefreshInterval, refresh); err != nil {
		i.unload(entry.EntryID)
		return fmt.Errorf("failed to schedule refresh for %s: %w", entry.PlantID, err)
	}
	if err := loaded.group.DailyAt(i.cfg.DailyRefreshAt, refresh); err != nil {
		i.unload(entry.EntryID)
		return fmt.Errorf("failed to schedule daily refresh for %s: %w", entry.PlantID, err)
	}

	i.logger.Info("Entry set up",
		zap.String("entry_id", entry.EntryID),
		zap.String("plant_id", entry.PlantID),
		zap.Duration("refresh_interval", i.cfg.RefreshInterval),
		zap.String("daily_refresh_at", i.cfg.DailyRefreshAt))
	return nil
}

func (i *Integration) scheduledRefresh(coord *coordinator.Coordinator) {
	if err := coord.Refresh(); err != nil {
		i.logger.Warn("Scheduled refresh failed",
			zap.String("plant_id", coord.Entry().PlantID),
			zap.Error(err))
	}
}

// UnloadEntry stops the entry's triggers and detaches its observers. The
// entry stays persisted.
func (i *Integration) UnloadEntry(entryID string) error {
	if _, ok := i.unload(entryID); !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	i.logger.Info("Entry unloaded", zap.String("entry_id", entryID))
	return nil
}

func (i *Integration) unload(entryID string) (plant.Entry, bool) {
	i.mu.Lock()
	loaded, ok := i.entries[entryID]
	delete(i.entries, entryID)
	count := len(i.entries)
	i.mu.Unlock()
	if !ok {
		return plant.Entry{}, false
	}

	loaded.group.Cancel()
	for _, remove := range loaded.removes {
		remove()
	}
	if i.cfg.Controls != nil {
		i.cfg.Controls.Detach(entryID)
	}

	entry := loaded.coord.Entry()
	i.cfg.Metrics.Forget(entry.PlantID)
	i.cfg.Metrics.SetPlants(count)
	return entry, true
}

// RemoveEntry unloads the entry and deletes it together with its state
func (i *Integration) RemoveEntry(entryID string) error {
	entry, ok := i.unload(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}

	var errs []error
	if err := i.cfg.Store.DeleteEntry(entryID); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete entry: %w", err))
	}
	if err := i.cfg.Store.RemoveEntryState(entryID); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete state: %w", err))
	}
	if i.cfg.MQTT != nil {
		if err := i.cfg.MQTT.Clear(entry.PlantID); err != nil {
			i.logger.Warn("Failed to clear MQTT state", zap.String("plant_id", entry.PlantID), zap.Error(err))
		}
	}
	if i.cfg.Entities != nil {
		if err := i.cfg.Entities.Retire(entry); err != nil {
			i.logger.Warn("Failed to retire entities", zap.String("plant_id", entry.PlantID), zap.Error(err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove %s: %w", entry.PlantID, err)
	}
	i.logger.Info("Plant removed", zap.String("entry_id", entryID), zap.String("plant_id", entry.PlantID))
	return nil
}

// Coordinator returns the coordinator of a loaded entry
func (i *Integration) Coordinator(entryID string) (*coordinator.Coordinator, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	loaded, ok := i.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return loaded.coord, nil
}

// Coordinators returns every loaded coordinator ordered by plant id
func (i *Integration) Coordinators() []*coordinator.Coordinator {
	i.mu.RLock()
	result := make([]*coordinator.Coordinator, 0, len(i.entries))
	for _, loaded := range i.entries {
		result = append(result, loaded.coord)
	}
	i.mu.RUnlock()

	sort.Slice(result, func(a, b int) bool {
		return result[a].Entry().PlantID < result[b].Entry().PlantID
	})
	return result
}

// Entries returns every loaded entry ordered by plant id
func (i *Integration) Entries() []plant.Entry {
	coords := i.Coordinators()
	result := make([]plant.Entry, len(coords))
	for n, coord := range coords {
		result[n] = coord.Entry()
	}
	return result
}

// MarkDone marks a task of an entry as done now
func (i *Integration) MarkDone(entryID string, kind care.TaskKind) error {
	coord, err := i.Coordinator(entryID)
	if err != nil {
		return err
	}
	if err := coord.MarkDone(kind); err != nil {
		return err
	}
	i.cfg.Metrics.MarkDone(coord.Entry().PlantID, kind)
	return nil
}

// SetOption changes a numeric option of an entry
func (i *Integration) SetOption(entryID, key string, value float64) error {
	coord, err := i.Coordinator(entryID)
	if err != nil {
		return err
	}
	return coord.SetOption(key, value)
}

// SetSource changes the source sensor of a metric of an entry
func (i *Integration) SetSource(entryID string, metric care.Metric, entityID string) error {
	coord, err := i.Coordinator(entryID)
	if err != nil {
		return err
	}
	return coord.SetSource(metric, entityID)
}

// Refresh refreshes one entry
func (i *Integration) Refresh(entryID string) error {
	coord, err := i.Coordinator(entryID)
	if err != nil {
		return err
	}
	return coord.Refresh()
}

// RefreshAll refreshes every entry. A failing entry does not stop the others;
// all failures are returned joined.
func (i *Integration) RefreshAll() error {
	var errs []error
	for _, coord := range i.Coordinators() {
		if err := coord.Refresh(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleSourceChange runs on the Home Assistant event goroutine, so the
// refreshes it triggers run on their own goroutines.
func (i *Integration) handleSourceChange(entityID, _ string, _ bool) {
	for _, coord := range i.Coordinators() {
		sources := coord.Entry().Options.Sources()
		for _, source := range sources {
			if source != entityID {
				continue
			}
			go i.scheduledRefresh(coord)
			break
		}
	}
}

// reserve claims plantID for a CreateEntry in progress. It fails when the
// plant is loaded or another create holds it.
func (i *Integration) reserve(plantID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.pending[plantID]; ok {
		return false
	}
	for _, loaded := range i.entries {
		if loaded.coord.Entry().PlantID == plantID {
			return false
		}
	}
	i.pending[plantID] = struct{}{}
	return true
}

func (i *Integration) release(plantID string) {
	i.mu.Lock()
	delete(i.pending, plantID)
	i.mu.Unlock()
}

func (i *Integration) count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}
