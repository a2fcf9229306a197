package plant

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"plantcare/internal/care"
)

var (
	ErrUnknownOption = errors.New("unknown option")
	ErrOutOfRange    = errors.New("value out of range")
)

// Option keys, shared by plants.yaml, storage and the HTTP API
const (
	OptWateringIntervalDays    = "watering_interval_days"
	OptFertilizingIntervalDays = "fertilizing_interval_days"
	OptMoistureMin             = "moisture_min"
	OptMoistureMax             = "moisture_max"
	OptHumidityMin             = "humidity_min"
	OptHumidityMax             = "humidity_max"
	OptTempMin                 = "temp_min"
	OptTempMax                 = "temp_max"
	OptLightMin                = "light_min"
	OptLightMax                = "light_max"
	OptTempEntityID            = "temp_entity_id"
	OptHumidityEntityID        = "humidity_entity_id"
	OptMoistureEntityID        = "moisture_entity_id"
)

// Options is the user-editable configuration of one plant entry.
// An interval of 0 disables the task; an empty entity id means the metric
// has no source sensor.
type Options struct {
	WateringIntervalDays    int     `json:"watering_interval_days" yaml:"watering_interval_days"`
	FertilizingIntervalDays int     `json:"fertilizing_interval_days" yaml:"fertilizing_interval_days"`
	MoistureMin             float64 `json:"moisture_min" yaml:"moisture_min"`
	MoistureMax             float64 `json:"moisture_max" yaml:"moisture_max"`
	HumidityMin             float64 `json:"humidity_min" yaml:"humidity_min"`
	HumidityMax             float64 `json:"humidity_max" yaml:"humidity_max"`
	TempMin                 float64 `json:"temp_min" yaml:"temp_min"`
	TempMax                 float64 `json:"temp_max" yaml:"temp_max"`
	LightMin                float64 `json:"light_min" yaml:"light_min"`
	LightMax                float64 `json:"light_max" yaml:"light_max"`
	TempEntityID            string  `json:"temp_entity_id" yaml:"temp_entity_id"`
	HumidityEntityID        string  `json:"humidity_entity_id" yaml:"humidity_entity_id"`
	MoistureEntityID        string  `json:"moisture_entity_id" yaml:"moisture_entity_id"`
}

// DefaultOptions returns the options of a newly created entry
func DefaultOptions() Options {
	return Options{
		WateringIntervalDays:    7,
		FertilizingIntervalDays: 30,
		MoistureMin:             0,
		MoistureMax:             100,
		HumidityMin:             0,
		HumidityMax:             100,
		TempMin:                 10,
		TempMax:                 30,
		LightMin:                0,
		LightMax:                100000,
	}
}

// OptionsFromMap builds Options from a partial key/value map, taking every
// missing key from DefaultOptions. Unknown keys are rejected.
func OptionsFromMap(values map[string]interface{}) (Options, error) {
	opts := DefaultOptions()
	for key, raw := range values {
		switch v := raw.(type) {
		case string:
			metric, ok := sourceKeys[key]
			if !ok {
				return Options{}, fmt.Errorf("%w: %q expects a number", ErrUnknownOption, key)
			}
			opts.SetSource(metric, v)
		case int:
			if err := opts.Set(key, float64(v)); err != nil {
				return Options{}, err
			}
		case float64:
			if err := opts.Set(key, v); err != nil {
				return Options{}, err
			}
		case nil:
		default:
			return Options{}, fmt.Errorf("%w: %q has unsupported type %T", ErrUnknownOption, key, raw)
		}
	}
	return opts, nil
}

// Value returns the numeric option stored under key
func (o Options) Value(key string) (float64, bool) {
	switch key {
	case OptWateringIntervalDays:
		return float64(o.WateringIntervalDays), true
	case OptFertilizingIntervalDays:
		return float64(o.FertilizingIntervalDays), true
	case OptMoistureMin:
		return o.MoistureMin, true
	case OptMoistureMax:
		return o.MoistureMax, true
	case OptHumidityMin:
		return o.HumidityMin, true
	case OptHumidityMax:
		return o.HumidityMax, true
	case OptTempMin:
		return o.TempMin, true
	case OptTempMax:
		return o.TempMax, true
	case OptLightMin:
		return o.LightMin, true
	case OptLightMax:
		return o.LightMax, true
	default:
		return 0, false
	}
}

// Set validates value against the number spec for key and stores it.
// Interval options are truncated to whole days.
func (o *Options) Set(key string, value float64) error {
	spec, ok := NumberSpecFor(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, key)
	}
	if math.IsNaN(value) || value < spec.Min || value > spec.Max {
		return fmt.Errorf("%w: %s=%v not in [%v, %v]", ErrOutOfRange, key, value, spec.Min, spec.Max)
	}

	switch key {
	case OptWateringIntervalDays:
		o.WateringIntervalDays = int(math.Trunc(value))
	case OptFertilizingIntervalDays:
		o.FertilizingIntervalDays = int(math.Trunc(value))
	case OptMoistureMin:
		o.MoistureMin = value
	case OptMoistureMax:
		o.MoistureMax = value
	case OptHumidityMin:
		o.HumidityMin = value
	case OptHumidityMax:
		o.HumidityMax = value
	case OptTempMin:
		o.TempMin = value
	case OptTempMax:
		o.TempMax = value
	case OptLightMin:
		o.LightMin = value
	case OptLightMax:
		o.LightMax = value
	}
	return nil
}

var sourceKeys = map[string]care.Metric{
	OptTempEntityID:     care.MetricTemperature,
	OptHumidityEntityID: care.MetricHumidity,
	OptMoistureEntityID: care.MetricMoisture,
}

// SourceKey returns the option key holding the source entity of metric
func SourceKey(metric care.Metric) string {
	for key, m := range sourceKeys {
		if m == metric {
			return key
		}
	}
	return ""
}

// Source returns the configured source entity id for metric, or ""
func (o Options) Source(metric care.Metric) string {
	switch metric {
	case care.MetricTemperature:
		return o.TempEntityID
	case care.MetricHumidity:
		return o.HumidityEntityID
	case care.MetricMoisture:
		return o.MoistureEntityID
	default:
		return ""
	}
}

// SetSource sets the source entity for metric; "" clears it. Surrounding
// whitespace is dropped.
func (o *Options) SetSource(metric care.Metric, entityID string) {
	entityID = strings.TrimSpace(entityID)
	switch metric {
	case care.MetricTemperature:
		o.TempEntityID = entityID
	case care.MetricHumidity:
		o.HumidityEntityID = entityID
	case care.MetricMoisture:
		o.MoistureEntityID = entityID
	}
}

// Bounds returns the configured [min, max] for metric
func (o Options) Bounds(metric care.Metric) (min, max float64) {
	switch metric {
	case care.MetricTemperature:
		return o.TempMin, o.TempMax
	case care.MetricHumidity:
		return o.HumidityMin, o.HumidityMax
	case care.MetricMoisture:
		return o.MoistureMin, o.MoistureMax
	default:
		return 0, 0
	}
}

// Interval returns the interval in days configured for a task
func (o Options) Interval(kind care.TaskKind) int {
	switch kind {
	case care.TaskWatering:
		return o.WateringIntervalDays
	case care.TaskFertilizing:
		return o.FertilizingIntervalDays
	default:
		return 0
	}
}

// Sources returns the configured source entity ids keyed by metric
func (o Options) Sources() map[care.Metric]string {
	sources := make(map[care.Metric]string)
	for _, metric := range care.Metrics {
		if id := o.Source(metric); id != "" {
			sources[metric] = id
		}
	}
	return sources
}
