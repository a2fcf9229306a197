package care

// Snapshot is the immutable result of one refresh cycle for a plant entry.
// It carries no refresh timestamp, so unchanged inputs yield an equal snapshot.
type Snapshot struct {
	PlantName string `json:"plant_name"`
	Tasks     Tasks  `json:"tasks"`
	Env       Env    `json:"env"`
}

// Tasks holds the status of every care task
type Tasks struct {
	Watering    TaskStatus `json:"watering"`
	Fertilizing TaskStatus `json:"fertilizing"`
}

// Get returns the status for a task kind
func (t Tasks) Get(kind TaskKind) (TaskStatus, bool) {
	switch kind {
	case TaskWatering:
		return t.Watering, true
	case TaskFertilizing:
		return t.Fertilizing, true
	default:
		return TaskStatus{}, false
	}
}

// Set replaces the status for a task kind
func (t *Tasks) Set(kind TaskKind, status TaskStatus) {
	switch kind {
	case TaskWatering:
		t.Watering = status
	case TaskFertilizing:
		t.Fertilizing = status
	}
}

// Env holds the status of every environmental metric
type Env struct {
	Temperature EnvStatus `json:"temperature"`
	Humidity    EnvStatus `json:"humidity"`
	Moisture    EnvStatus `json:"moisture"`
}

// Get returns the status for a metric
func (e Env) Get(metric Metric) (EnvStatus, bool) {
	switch metric {
	case MetricTemperature:
		return e.Temperature, true
	case MetricHumidity:
		return e.Humidity, true
	case MetricMoisture:
		return e.Moisture, true
	default:
		return EnvStatus{}, false
	}
}

// Set replaces the status for a metric
func (e *Env) Set(metric Metric, status EnvStatus) {
	switch metric {
	case MetricTemperature:
		e.Temperature = status
	case MetricHumidity:
		e.Humidity = status
	case MetricMoisture:
		e.Moisture = status
	}
}

// OutOfRangeCount returns how many metrics have a reading outside their bounds
func (s *Snapshot) OutOfRangeCount() int {
	count := 0
	for _, metric := range Metrics {
		if status, _ := s.Env.Get(metric); status.OutOfRange != nil && *status.OutOfRange {
			count++
		}
	}
	return count
}

// DueCount returns how many tasks are currently due
func (s *Snapshot) DueCount() int {
	count := 0
	for _, kind := range TaskKinds {
		if status, _ := s.Tasks.Get(kind); status.IsDue {
			count++
		}
	}
	return count
}
