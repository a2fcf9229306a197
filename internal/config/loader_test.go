package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"plantcare/internal/clock"
	"plantcare/internal/plant"
	"plantcare/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestConfigDir(t *testing.T, plants string) string {
	tmpDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tmpDir, PlantsFile), []byte(plants), 0644)
	require.NoError(t, err)
	return tmpDir
}

const samplePlants = `plants:
  - name: Monstera Deliciosa
    options:
      watering_interval_days: 10
      moisture_min: 25
      moisture_entity_id: sensor.monstera_moisture
  - name: Fern
  - name: Cactus
    options:
      watering_interval_days: 21
      fertilizing_interval_days: 0
      temp_min: 12.5
`

func TestLoader_LoadAll(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	configDir := setupTestConfigDir(t, samplePlants)

	loader := NewLoader(configDir, logger)
	require.NoError(t, loader.LoadAll())

	config := loader.GetPlantsConfig()
	require.NotNil(t, config)
	assert.Len(t, config.Plants, 3)

	seeds := loader.GetSeeds()
	require.Len(t, seeds, 3)

	monstera := seeds[0]
	assert.Equal(t, "monstera_deliciosa", monstera.PlantID)
	assert.Equal(t, "Monstera Deliciosa", monstera.PlantName)
	assert.Empty(t, monstera.EntryID)
	assert.Equal(t, 10, monstera.Options.WateringIntervalDays)
	assert.Equal(t, 30, monstera.Options.FertilizingIntervalDays)
	assert.Equal(t, 25.0, monstera.Options.MoistureMin)
	assert.Equal(t, "sensor.monstera_moisture", monstera.Options.MoistureEntityID)

	assert.Equal(t, plant.DefaultOptions(), seeds[1].Options)

	cactus := seeds[2]
	assert.Equal(t, 0, cactus.Options.FertilizingIntervalDays)
	assert.Equal(t, 12.5, cactus.Options.TempMin)
}

func TestLoader_MissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	configDir := t.TempDir() // Empty directory

	loader := NewLoader(configDir, logger)
	require.NoError(t, loader.LoadAll())
	assert.Empty(t, loader.GetSeeds())
}

func TestLoader_InvalidConfig(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name   string
		plants string
		errIs  error
	}{
		{
			name:   "malformed yaml",
			plants: "plants: [",
		},
		{
			name:   "empty name",
			plants: "plants:\n  - name: \"\"\n",
			errIs:  plant.ErrInvalidName,
		},
		{
			name:   "duplicate plant id",
			plants: "plants:\n  - name: Fern\n  - name: fern\n",
		},
		{
			name:   "unknown option",
			plants: "plants:\n  - name: Fern\n    options:\n      sunlight_hours: 6\n",
			errIs:  plant.ErrUnknownOption,
		},
		{
			name:   "out of range",
			plants: "plants:\n  - name: Fern\n    options:\n      watering_interval_days: 400\n",
			errIs:  plant.ErrOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(setupTestConfigDir(t, tt.plants), logger)
			err := loader.LoadAll()
			require.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestLoader_AutoReload(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	clk := clock.NewMockClock(time.Date(2024, 3, 30, 18, 0, 0, 0, berlin))
	sched := scheduler.New(berlin, clk, zap.NewNop())

	configDir := setupTestConfigDir(t, samplePlants)
	loader := NewLoader(configDir, zap.NewNop())
	require.NoError(t, loader.LoadAll())

	group := sched.NewGroup("config")
	require.NoError(t, loader.StartAutoReload(group, nil))
	assert.Equal(t, 1, sched.Jobs())

	next, ok := group.Next()
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2024, 3, 31, 0, 1, 0, 0, berlin)), next.String())

	t.Run("reload passes new seeds", func(t *testing.T) {
		plants := samplePlants + "  - name: Aloe Vera\n"
		require.NoError(t, os.WriteFile(filepath.Join(configDir, PlantsFile), []byte(plants), 0644))

		var got []plant.Entry
		loader.Reload(func(seeds []plant.Entry) { got = seeds })
		require.Len(t, got, 4)
		assert.Equal(t, "aloe_vera", got[3].PlantID)
	})

	t.Run("failed reload keeps previous seeds", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(configDir, PlantsFile), []byte("plants: [\n"), 0644))

		called := false
		loader.Reload(func(seeds []plant.Entry) { called = true })
		assert.False(t, called)
		assert.Len(t, loader.GetSeeds(), 4)
	})

	loader.Stop()
	loader.Stop()
	assert.Zero(t, sched.Jobs())
	_, ok = group.Next()
	assert.False(t, ok)
}
