package care

import (
	"errors"
	"fmt"
)

// ErrUnknownTask is returned for a task kind other than watering or fertilizing.
var ErrUnknownTask = errors.New("unknown task kind")

// ErrUnknownMetric is returned for a metric other than temperature, humidity or moisture.
var ErrUnknownMetric = errors.New("unknown metric")

// TaskKind identifies a recurring care task
type TaskKind string

const (
	TaskWatering    TaskKind = "watering"
	TaskFertilizing TaskKind = "fertilizing"
)

// TaskKinds lists every task kind in display order
var TaskKinds = []TaskKind{TaskWatering, TaskFertilizing}

// ParseTaskKind validates a task kind name
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case TaskWatering, TaskFertilizing:
		return TaskKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, s)
	}
}

// Metric identifies an environmental quantity with configured bounds
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
	MetricMoisture    Metric = "moisture"
)

// Metrics lists every metric in display order
var Metrics = []Metric{MetricTemperature, MetricHumidity, MetricMoisture}

// ParseMetric validates a metric name
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricTemperature, MetricHumidity, MetricMoisture:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
	}
}

// Title returns the capitalized display name used in entity names
func (m Metric) Title() string {
	switch m {
	case MetricTemperature:
		return "Temperature"
	case MetricHumidity:
		return "Humidity"
	case MetricMoisture:
		return "Moisture"
	default:
		return string(m)
	}
}
