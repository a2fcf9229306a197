package entities

import (
	"plantcare/internal/care"
	"plantcare/internal/plant"
)

type taskLabels struct {
	title   string
	icon    string
	button  string
	btnIcon string
	btnID   string
}

var tasks = map[care.TaskKind]taskLabels{
	care.TaskWatering: {
		title:   "Watering",
		icon:    "mdi:watering-can-outline",
		button:  "Mark watered",
		btnIcon: "mdi:watering-can",
		btnID:   "watering_mark_watered",
	},
	care.TaskFertilizing: {
		title:   "Fertilizing",
		icon:    "mdi:bottle-tonic-outline",
		button:  "Mark fertilized",
		btnIcon: "mdi:bottle-tonic",
		btnID:   "fertilizing_mark_fertilized",
	},
}

type metricLabels struct {
	unit      string
	icon      string
	alertIcon string
}

var metrics = map[care.Metric]metricLabels{
	care.MetricTemperature: {unit: "°C", icon: "mdi:thermometer", alertIcon: "mdi:thermometer-alert"},
	care.MetricHumidity:    {unit: "%", icon: "mdi:water-percent", alertIcon: "mdi:water-alert"},
	care.MetricMoisture:    {unit: "%", icon: "mdi:flower", alertIcon: "mdi:flower-outline"},
}

func taskStatus(snap *care.Snapshot, kind care.TaskKind) (care.TaskStatus, bool) {
	if snap == nil {
		return care.TaskStatus{}, false
	}
	return snap.Tasks.Get(kind)
}

func envStatus(snap *care.Snapshot, metric care.Metric) (care.EnvStatus, bool) {
	if snap == nil {
		return care.EnvStatus{}, false
	}
	return snap.Env.Get(metric)
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nextDue(status care.TaskStatus) interface{} {
	if status.NextDueDate == nil {
		return nil
	}
	return status.NextDueDate.String()
}

func buildSensors(entry plant.Entry, snap *care.Snapshot) []Entity {
	name := entry.DisplayName()
	var result []Entity

	for _, kind := range care.TaskKinds {
		labels := tasks[kind]
		status, known := taskStatus(snap, kind)

		last := Entity{
			Platform:         PlatformSensor,
			UniqueID:         entry.ObjectID(string(kind) + "_last"),
			Name:             name + " " + labels.title + " Last",
			State:            StateUnknown,
			Icon:             labels.icon,
			DeviceClass:      "timestamp",
			Category:         CategoryDiagnostic,
			EnabledByDefault: true,
		}
		if known && status.LastDone != nil {
			last.State = care.FormatTimestamp(*status.LastDone)
		}

		next := Entity{
			Platform:         PlatformSensor,
			UniqueID:         entry.ObjectID(string(kind) + "_next"),
			Name:             name + " " + labels.title + " Next",
			State:            StateUnknown,
			Icon:             "mdi:calendar",
			Category:         CategoryDiagnostic,
			EnabledByDefault: true,
		}
		if known && status.NextDueDate != nil {
			next.State = status.NextDueDate.String()
		}

		result = append(result, last, next)
	}

	for _, metric := range care.Metrics {
		labels := metrics[metric]
		status, _ := envStatus(snap, metric)

		deviation := Entity{
			Platform:         PlatformSensor,
			UniqueID:         entry.ObjectID(string(metric) + "_deviation"),
			Name:             name + " " + metric.Title() + " Deviation",
			State:            StateUnavailable,
			Icon:             labels.icon,
			Unit:             labels.unit,
			Category:         CategoryDiagnostic,
			EnabledByDefault: entry.Options.Source(metric) != "",
			Attributes: map[string]interface{}{
				"value": nullableFloat(status.Value),
				"min":   status.Min,
				"max":   status.Max,
			},
		}
		if status.Deviation != nil {
			deviation.State = formatFloat(*status.Deviation)
		}
		result = append(result, deviation)
	}

	return result
}

func buildBinarySensors(entry plant.Entry, snap *care.Snapshot) []Entity {
	name := entry.DisplayName()
	var result []Entity

	for _, kind := range care.TaskKinds {
		labels := tasks[kind]
		status, known := taskStatus(snap, kind)

		due := Entity{
			Platform:         PlatformBinarySensor,
			UniqueID:         entry.ObjectID(string(kind) + "_due"),
			Name:             name + " " + labels.title + " Due",
			State:            StateUnknown,
			Icon:             labels.icon,
			DeviceClass:      "problem",
			EnabledByDefault: true,
		}
		if known {
			due.State = onOff(status.IsDue)
			due.Attributes = map[string]interface{}{
				"next_due_date": nextDue(status),
				"days_overdue":  status.DaysOverdue,
			}
		}
		result = append(result, due)
	}

	for _, metric := range care.Metrics {
		labels := metrics[metric]
		status, _ := envStatus(snap, metric)

		out := Entity{
			Platform:         PlatformBinarySensor,
			UniqueID:         entry.ObjectID(string(metric) + "_out_of_range"),
			Name:             name + " " + metric.Title() + " Out of range",
			State:            StateUnavailable,
			Icon:             labels.icon,
			DeviceClass:      "problem",
			EnabledByDefault: entry.Options.Source(metric) != "",
			Attributes: map[string]interface{}{
				"value":     nullableFloat(status.Value),
				"min":       status.Min,
				"max":       status.Max,
				"deviation": nullableFloat(status.Deviation),
			},
		}
		if status.OutOfRange != nil {
			out.State = onOff(*status.OutOfRange)
			if *status.OutOfRange {
				out.Icon = labels.alertIcon
			}
		}
		out.Attributes["out_of_range"] = nullableBool(status.OutOfRange)
		result = append(result, out)
	}

	return result
}

func buildButtons(entry plant.Entry, _ *care.Snapshot) []Entity {
	name := entry.DisplayName()
	var result []Entity

	for _, kind := range care.TaskKinds {
		labels := tasks[kind]
		e := Entity{
			Platform:         PlatformButton,
			UniqueID:         entry.ObjectID(labels.btnID),
			Name:             name + " " + labels.title + " " + labels.button,
			State:            StateUnknown,
			Icon:             labels.btnIcon,
			EnabledByDefault: true,
			Attributes: map[string]interface{}{
				"task": string(kind),
			},
		}
		e.Attributes["control_entity_id"] = e.ControlEntityID()
		result = append(result, e)
	}
	return result
}

func buildNumbers(entry plant.Entry, _ *care.Snapshot) []Entity {
	name := entry.DisplayName()
	result := make([]Entity, 0, len(plant.NumberSpecs))

	for _, spec := range plant.NumberSpecs {
		value, _ := entry.Options.Value(spec.Key)
		e := Entity{
			Platform:         PlatformNumber,
			UniqueID:         entry.ObjectID(spec.Key),
			Name:             name + " " + spec.Label,
			State:            formatFloat(value),
			Icon:             spec.Icon,
			Unit:             spec.Unit,
			Category:         CategoryConfig,
			EnabledByDefault: true,
			Attributes: map[string]interface{}{
				"option": spec.Key,
				"min":    spec.Min,
				"max":    spec.Max,
				"step":   spec.Step,
				"mode":   "box",
			},
		}
		e.Attributes["control_entity_id"] = e.ControlEntityID()
		result = append(result, e)
	}
	return result
}
