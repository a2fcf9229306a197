package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/clock"
	"plantcare/internal/controls"
	"plantcare/internal/entities"
	"plantcare/internal/ha"
	"plantcare/internal/metrics"
	"plantcare/internal/plant"
	"plantcare/internal/scheduler"
	"plantcare/internal/sensors"
	"plantcare/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyStore fails state loads for selected entries
type flakyStore struct {
	*storage.Store

	mu        sync.Mutex
	failFor   map[string]error
	saveDelay time.Duration
}

func (s *flakyStore) SaveEntry(entry plant.Entry) error {
	s.mu.Lock()
	delay := s.saveDelay
	s.mu.Unlock()
	time.Sleep(delay)
	return s.Store.SaveEntry(entry)
}

func (s *flakyStore) EntryState(entryID string) (storage.PlantState, error) {
	s.mu.Lock()
	err := s.failFor[entryID]
	s.mu.Unlock()
	if err != nil {
		return storage.PlantState{}, err
	}
	return s.Store.EntryState(entryID)
}

func (s *flakyStore) fail(entryID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[entryID] = err
}

type fakeMQTT struct {
	mu        sync.Mutex
	published map[string]int
	cleared   []string
}

func (f *fakeMQTT) Publish(entry plant.Entry, snap *care.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[entry.PlantID]++
}

func (f *fakeMQTT) Clear(plantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, plantID)
	return nil
}

func (f *fakeMQTT) count(plantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[plantID]
}

type fixture struct {
	integ   *Integration
	store   *flakyStore
	ha      *ha.MockClient
	clock   *clock.MockClock
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	mqtt    *fakeMQTT
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	db, err := storage.Open(filepath.Join(t.TempDir(), "plantcare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:   &flakyStore{Store: db, failFor: make(map[string]error)},
		ha:      ha.NewMockClient(),
		clock:   clock.NewMockClock(time.Date(2024, time.March, 20, 9, 0, 0, 0, loc)),
		metrics: metrics.New(),
		mqtt:    &fakeMQTT{published: make(map[string]int)},
	}
	f.sched = scheduler.New(loc, f.clock, logger)
	f.integ = New(Config{
		Store:        f.store,
		Sensors:      sensors.NewRegistry(f.ha, logger),
		Scheduler:    f.sched,
		Clock:        f.clock,
		Location:     loc,
		Logger:       logger,
		Entities:     entities.NewPublisher(f.ha, nil, logger, false),
		MQTT:         f.mqtt,
		Metrics:      f.metrics,
		StartupDelay: DefaultStartupDelay,
	})
	return f
}

func TestCreateEntry(t *testing.T) {
	f := newFixture(t)

	entry, err := f.integ.CreateEntry("Monstera Deliciosa", plant.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "monstera_deliciosa", entry.PlantID)
	assert.NotEmpty(t, entry.EntryID)

	stored, err := f.store.Entries()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, entry.EntryID, stored[0].EntryID)

	coord, err := f.integ.Coordinator(entry.EntryID)
	require.NoError(t, err)
	snap := coord.Snapshot()
	require.NotNil(t, snap, "first refresh runs during setup")
	assert.True(t, snap.Tasks.Watering.IsDue)

	assert.Equal(t, 1, f.mqtt.count("monstera_deliciosa"))
	assert.NotEmpty(t, f.ha.PostedStates())

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "plantcare_task_due")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCreateEntry_Duplicate(t *testing.T) {
	f := newFixture(t)

	_, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)

	_, err = f.integ.CreateEntry("fern", plant.DefaultOptions())
	assert.ErrorIs(t, err, ErrAlreadyConfigured)

	_, err = f.integ.CreateEntry("   ", plant.DefaultOptions())
	assert.ErrorIs(t, err, plant.ErrInvalidName)

	assert.Len(t, f.integ.Entries(), 1)
}

func TestCreateEntry_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.store.saveDelay = 5 * time.Millisecond

	const creators = 4
	var wg sync.WaitGroup
	errs := make(chan error, creators)
	for n := 0; n < creators; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyConfigured)
	}
	assert.Equal(t, 1, created)

	stored, err := f.store.Entries()
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Len(t, f.integ.Entries(), 1)
}

func TestCreateEntry_FailedSetupLeavesNothing(t *testing.T) {
	f := newFixture(t)
	integ := New(Config{
		Store:          f.store,
		Scheduler:      f.sched,
		Clock:          f.clock,
		Location:       time.UTC,
		Logger:         zap.NewNop(),
		DailyRefreshAt: "25:99",
	})

	_, err := integ.CreateEntry("Fern", plant.DefaultOptions())
	require.Error(t, err)

	stored, err := f.store.Entries()
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, integ.Entries())

	// the plant id is free again
	integ.cfg.DailyRefreshAt = DefaultDailyRefreshAt
	_, err = integ.CreateEntry("Fern", plant.DefaultOptions())
	assert.NoError(t, err)
}

func TestSetupEntry_Triggers(t *testing.T) {
	f := newFixture(t)

	entry, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)

	// periodic and daily refresh are cron jobs, the delayed refresh a timer
	assert.Equal(t, 2, f.sched.Jobs())
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(DefaultStartupDelay)
	assert.Equal(t, 2, f.mqtt.count("fern"))

	require.NoError(t, f.integ.UnloadEntry(entry.EntryID))
	assert.Zero(t, f.sched.Jobs())
	assert.Zero(t, f.clock.Pending())
}

func TestSetupEntry_DefaultsEmptyOptions(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.integ.SetupEntry(plant.Entry{EntryID: "e1", PlantID: "fern", PlantName: "Fern"}))

	coord, err := f.integ.Coordinator("e1")
	require.NoError(t, err)
	assert.Equal(t, plant.DefaultOptions(), coord.Entry().Options)

	stored, err := f.store.Entries()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 7, stored[0].Options.WateringIntervalDays)

	err = f.integ.SetupEntry(plant.Entry{EntryID: "e1", PlantID: "fern", PlantName: "Fern"})
	assert.ErrorIs(t, err, ErrAlreadyConfigured)
}

func TestSetupEntry_FirstRefreshFailure(t *testing.T) {
	f := newFixture(t)
	f.store.fail("e1", errors.New("disk on fire"))

	require.NoError(t, f.integ.SetupEntry(plant.Entry{EntryID: "e1", PlantID: "fern", PlantName: "Fern", Options: plant.DefaultOptions()}))

	coord, err := f.integ.Coordinator("e1")
	require.NoError(t, err)
	assert.Nil(t, coord.Snapshot())
	assert.False(t, coord.LastUpdateSuccess())

	f.store.fail("e1", nil)
	f.clock.Advance(DefaultStartupDelay)
	assert.NotNil(t, coord.Snapshot())
	assert.True(t, coord.LastUpdateSuccess())
}

func TestMarkDone(t *testing.T) {
	f := newFixture(t)
	entry, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, f.integ.MarkDone(entry.EntryID, care.TaskWatering))

	coord, _ := f.integ.Coordinator(entry.EntryID)
	watering := coord.Snapshot().Tasks.Watering
	assert.False(t, watering.IsDue)
	require.NotNil(t, watering.NextDueDate)
	assert.Equal(t, "2024-03-27", watering.NextDueDate.String())

	state, err := f.store.EntryState(entry.EntryID)
	require.NoError(t, err)
	require.NotNil(t, state.LastWatered)
	assert.Equal(t, "2024-03-20T09:00:00+01:00", *state.LastWatered)

	err = f.integ.MarkDone(entry.EntryID, care.TaskKind("pruning"))
	assert.ErrorIs(t, err, care.ErrUnknownTask)

	err = f.integ.MarkDone("missing", care.TaskWatering)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSetOptionAndSource(t *testing.T) {
	f := newFixture(t)
	f.ha.SetState("sensor.fern_moisture", "12", nil)

	entry, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, f.integ.SetOption(entry.EntryID, plant.OptMoistureMin, 20))
	require.NoError(t, f.integ.SetSource(entry.EntryID, care.MetricMoisture, "sensor.fern_moisture"))

	coord, _ := f.integ.Coordinator(entry.EntryID)
	moisture := coord.Snapshot().Env.Moisture
	require.NotNil(t, moisture.OutOfRange)
	assert.True(t, *moisture.OutOfRange)
	assert.Equal(t, 8.0, *moisture.Deviation)

	stored, err := f.store.Entries()
	require.NoError(t, err)
	assert.Equal(t, 20.0, stored[0].Options.MoistureMin)
	assert.Equal(t, "sensor.fern_moisture", stored[0].Options.MoistureEntityID)

	assert.ErrorIs(t, f.integ.SetOption(entry.EntryID, "bogus", 1), plant.ErrUnknownOption)
	assert.ErrorIs(t, f.integ.SetOption(entry.EntryID, plant.OptMoistureMin, 500), plant.ErrOutOfRange)
	assert.ErrorIs(t, f.integ.SetOption("missing", plant.OptMoistureMin, 1), ErrEntryNotFound)
	assert.ErrorIs(t, f.integ.SetSource("missing", care.MetricMoisture, ""), ErrEntryNotFound)
}

func TestSourceChangeTriggersRefresh(t *testing.T) {
	f := newFixture(t)
	f.ha.SetState("sensor.fern_moisture", "50", nil)

	opts := plant.DefaultOptions()
	opts.MoistureEntityID = "sensor.fern_moisture"
	entry, err := f.integ.CreateEntry("Fern", opts)
	require.NoError(t, err)

	coord, _ := f.integ.Coordinator(entry.EntryID)
	require.False(t, *coord.Snapshot().Env.Moisture.OutOfRange)

	f.ha.SimulateStateChange("sensor.fern_moisture", "150")

	assert.Eventually(t, func() bool {
		snap := coord.Snapshot()
		return snap.Env.Moisture.OutOfRange != nil && *snap.Env.Moisture.OutOfRange
	}, time.Second, 10*time.Millisecond)
}

func TestReconnectRefreshesStaleSources(t *testing.T) {
	f := newFixture(t)
	f.ha.SetState("sensor.fern_moisture", "50", nil)

	opts := plant.DefaultOptions()
	opts.MoistureEntityID = "sensor.fern_moisture"
	entry, err := f.integ.CreateEntry("Fern", opts)
	require.NoError(t, err)

	coord, _ := f.integ.Coordinator(entry.EntryID)
	require.False(t, *coord.Snapshot().Env.Moisture.OutOfRange)

	f.ha.SetStateQuietly("sensor.fern_moisture", "5")
	require.NoError(t, coord.Refresh())
	require.False(t, *coord.Snapshot().Env.Moisture.OutOfRange, "cached value until resync")

	f.ha.SimulateReconnect()

	assert.Eventually(t, func() bool {
		snap := coord.Snapshot()
		return snap.Env.Moisture.OutOfRange != nil && *snap.Env.Moisture.OutOfRange
	}, time.Second, 10*time.Millisecond)
}

func TestRefreshAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	fern, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)
	pilea, err := f.integ.CreateEntry("Pilea", plant.DefaultOptions())
	require.NoError(t, err)

	f.store.fail(fern.EntryID, errors.New("disk on fire"))
	before := f.mqtt.count("pilea")

	err = f.integ.RefreshAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	fernCoord, _ := f.integ.Coordinator(fern.EntryID)
	pileaCoord, _ := f.integ.Coordinator(pilea.EntryID)
	assert.False(t, fernCoord.LastUpdateSuccess())
	assert.NotNil(t, fernCoord.Snapshot(), "previous snapshot is kept")
	assert.True(t, pileaCoord.LastUpdateSuccess())
	assert.Equal(t, before+1, f.mqtt.count("pilea"))

	assert.Error(t, f.integ.Refresh(fern.EntryID))
	assert.ErrorIs(t, f.integ.Refresh("missing"), ErrEntryNotFound)
}

func TestRemoveEntry(t *testing.T) {
	f := newFixture(t)
	entry, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.integ.MarkDone(entry.EntryID, care.TaskWatering))

	f.ha.ClearPostedStates()
	require.NoError(t, f.integ.RemoveEntry(entry.EntryID))

	stored, err := f.store.Entries()
	require.NoError(t, err)
	assert.Empty(t, stored)

	state, err := f.store.EntryState(entry.EntryID)
	require.NoError(t, err)
	assert.Nil(t, state.LastWatered)

	assert.Equal(t, []string{"fern"}, f.mqtt.cleared)
	for _, posted := range f.ha.PostedStates() {
		assert.Equal(t, entities.StateUnavailable, posted.State)
	}

	_, err = f.integ.Coordinator(entry.EntryID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, f.integ.RemoveEntry(entry.EntryID), ErrEntryNotFound)

	// the plant id is free again
	_, err = f.integ.CreateEntry("Fern", plant.DefaultOptions())
	assert.NoError(t, err)
}

func TestHelpersFollowEntryLifecycle(t *testing.T) {
	f := newFixture(t)
	helpers := controls.New(f.ha, nil, zap.NewNop(), false)
	t.Cleanup(helpers.Close)
	f.integ.cfg.Controls = helpers

	f.ha.SetState("input_button.fern_watering_mark_watered", "unknown", nil)
	f.ha.SetState("input_number.fern_watering_interval_days", "7.0", nil)

	entry, err := f.integ.CreateEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2+len(plant.NumberSpecs), helpers.Bound())

	f.ha.SimulateStateChange("input_button.fern_watering_mark_watered", "2024-03-20T09:00:00+00:00")
	coord, err := f.integ.Coordinator(entry.EntryID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return !coord.Snapshot().Tasks.Watering.IsDue
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.integ.SetOption(entry.EntryID, plant.OptWateringIntervalDays, 3))
	state, err := f.ha.GetState("input_number.fern_watering_interval_days")
	require.NoError(t, err)
	assert.Equal(t, "3.0", state.State)

	require.NoError(t, f.integ.RemoveEntry(entry.EntryID))
	assert.Zero(t, helpers.Bound())
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)

	stored, err := plant.NewEntry("Fern", plant.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.store.SaveEntry(stored))

	seeds := []plant.Entry{
		{PlantName: "Fern", Options: plant.DefaultOptions()},
		{PlantName: "Pilea", Options: plant.DefaultOptions()},
	}
	require.NoError(t, f.integ.Start(seeds))

	entries := f.integ.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, stored.EntryID, entries[0].EntryID, "persisted entry wins over seed")
	assert.Equal(t, "pilea", entries[1].PlantID)

	assert.Zero(t, f.integ.Seed(seeds))
	assert.Equal(t, 1, f.integ.Seed([]plant.Entry{{PlantName: "Cactus", Options: plant.DefaultOptions()}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.integ.Stop(ctx)

	assert.Empty(t, f.integ.Entries())
	persisted, err := f.store.Entries()
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
}
