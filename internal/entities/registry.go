package entities

import (
	"fmt"
	"sort"
	"sync"

	"plantcare/internal/care"
	"plantcare/internal/plant"
)

// Builder projects an entry onto the entities of one platform. snap is nil
// until the entry's first successful refresh.
type Builder func(entry plant.Entry, snap *care.Snapshot) []Entity

// PlatformInfo describes a registered platform
type PlatformInfo struct {
	// Name is the Home Assistant platform, e.g. "sensor"
	Name        string
	Description string

	// Order sets the projection order; lower values come first.
	// Default is 50.
	Order int

	Build Builder
}

// Registry holds the platforms an entry is projected onto
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]PlatformInfo
}

func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]PlatformInfo)}
}

// DefaultRegistry returns a registry with the sensor, binary_sensor, button
// and number platforms.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, info := range []PlatformInfo{
		{Name: PlatformSensor, Description: "last/next per task and deviation per metric", Order: 10, Build: buildSensors},
		{Name: PlatformBinarySensor, Description: "due per task and out of range per metric", Order: 20, Build: buildBinarySensors},
		{Name: PlatformButton, Description: "mark watered / mark fertilized", Order: 30, Build: buildButtons},
		{Name: PlatformNumber, Description: "editable intervals and thresholds", Order: 40, Build: buildNumbers},
	} {
		if err := r.Register(info); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a platform. Registering a name twice replaces the earlier one.
func (r *Registry) Register(info PlatformInfo) error {
	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}
	if info.Build == nil {
		return fmt.Errorf("platform %s: builder cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[info.Name] = info
	return nil
}

// Get returns the platform registered under name
func (r *Registry) Get(name string) (PlatformInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.platforms[name]
	return info, ok
}

// List returns the platforms sorted by order, then name
func (r *Registry) List() []PlatformInfo {
	r.mu.RLock()
	result := make([]PlatformInfo, 0, len(r.platforms))
	for _, info := range r.platforms {
		result = append(result, info)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Names returns the platform names in projection order
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, info := range list {
		names[i] = info.Name
	}
	return names
}

// Project builds every entity of entry across all platforms
func (r *Registry) Project(entry plant.Entry, snap *care.Snapshot) []Entity {
	var result []Entity
	for _, info := range r.List() {
		result = append(result, info.Build(entry, snap)...)
	}
	return result
}
