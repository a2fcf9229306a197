// Package config loads process settings from the environment and the plant
// seeds from plants.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"plantcare/internal/plant"
	"plantcare/internal/scheduler"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PlantsFile is the name of the seed file inside the config directory
const PlantsFile = "plants.yaml"

// ReloadAt is the local time plants.yaml is re-read every day
const ReloadAt = "00:01"

// PlantConfig is one plant in plants.yaml. Options may name any subset of
// the option keys; the rest take their defaults.
type PlantConfig struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options"`
}

// PlantsConfig represents the plants.yaml structure
type PlantsConfig struct {
	Plants []PlantConfig `yaml:"plants"`
}

// Loader manages loading and daily reloading of plants.yaml
type Loader struct {
	configDir string
	logger    *zap.Logger

	mu     sync.RWMutex
	plants *PlantsConfig
	seeds  []plant.Entry
	group  *scheduler.Group
}

func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
	}
}

// LoadAll loads every configuration file. A missing plants.yaml is not an
// error; entries can also be created through the API.
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadPlantsConfig(); err != nil {
		return fmt.Errorf("failed to load plants config: %w", err)
	}
	return nil
}

// LoadPlantsConfig loads and validates plants.yaml
func (l *Loader) LoadPlantsConfig() error {
	path := filepath.Join(l.configDir, PlantsFile)
	l.logger.Debug("Loading plants config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("No plants config found", zap.String("path", path))
		l.store(&PlantsConfig{}, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read plants config: %w", err)
	}

	var config PlantsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse plants config: %w", err)
	}

	seeds, err := config.Seeds()
	if err != nil {
		return err
	}

	l.store(&config, seeds)
	l.logger.Info("Plants config loaded successfully", zap.Int("plants", len(seeds)))
	return nil
}

func (l *Loader) store(config *PlantsConfig, seeds []plant.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plants = config
	l.seeds = seeds
}

// Seeds converts the configured plants into entries without ids. Duplicate
// plant ids are rejected.
func (c *PlantsConfig) Seeds() ([]plant.Entry, error) {
	seen := make(map[string]string)
	seeds := make([]plant.Entry, 0, len(c.Plants))

	for n, p := range c.Plants {
		plantID := plant.Slugify(p.Name)
		if plantID == "" {
			return nil, fmt.Errorf("plant %d: %w", n+1, plant.ErrInvalidName)
		}
		if other, ok := seen[plantID]; ok {
			return nil, fmt.Errorf("plant %q: plant id %s already used by %q", p.Name, plantID, other)
		}
		seen[plantID] = p.Name

		opts, err := plant.OptionsFromMap(p.Options)
		if err != nil {
			return nil, fmt.Errorf("plant %q: %w", p.Name, err)
		}
		seeds = append(seeds, plant.Entry{PlantID: plantID, PlantName: p.Name, Options: opts})
	}
	return seeds, nil
}

// GetPlantsConfig returns the loaded plants configuration
func (l *Loader) GetPlantsConfig() *PlantsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.plants
}

// GetSeeds returns the plants of the last successful load
func (l *Loader) GetSeeds() []plant.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]plant.Entry(nil), l.seeds...)
}

// StartAutoReload registers a daily reload of plants.yaml at ReloadAt on
// group. Each successful reload passes the seeds to onReload.
func (l *Loader) StartAutoReload(group *scheduler.Group, onReload func(seeds []plant.Entry)) error {
	if err := group.DailyAt(ReloadAt, func() { l.Reload(onReload) }); err != nil {
		return fmt.Errorf("failed to schedule config reload: %w", err)
	}

	l.mu.Lock()
	l.group = group
	l.mu.Unlock()

	l.logger.Info("Starting auto-reload scheduler", zap.String("at", ReloadAt))
	return nil
}

// Reload re-reads every configuration file and passes the seeds to
// onReload. A failed load keeps the previous configuration.
func (l *Loader) Reload(onReload func(seeds []plant.Entry)) {
	l.logger.Info("Auto-reloading configurations")
	if err := l.LoadAll(); err != nil {
		l.logger.Error("Failed to auto-reload configs", zap.Error(err))
		return
	}
	if onReload != nil {
		onReload(l.GetSeeds())
	}
}

// Stop cancels the auto-reload job
func (l *Loader) Stop() {
	l.mu.Lock()
	group := l.group
	l.group = nil
	l.mu.Unlock()

	if group != nil {
		group.Cancel()
		l.logger.Info("Stopping auto-reload scheduler")
	}
}
