// Package entities projects plant entries and their snapshots onto Home
// Assistant entities, grouped by platform, and publishes them.
package entities

import (
	"strconv"
)

// Platform names
const (
	PlatformSensor       = "sensor"
	PlatformBinarySensor = "binary_sensor"
	PlatformButton       = "button"
	PlatformNumber       = "number"
)

// Home Assistant state values used by the projection
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// Entity categories
const (
	CategoryConfig     = "config"
	CategoryDiagnostic = "diagnostic"
)

// Entity is one Home Assistant entity derived from a plant entry
type Entity struct {
	Platform         string                 `json:"platform"`
	UniqueID         string                 `json:"unique_id"`
	Name             string                 `json:"name"`
	State            string                 `json:"state"`
	Icon             string                 `json:"icon,omitempty"`
	DeviceClass      string                 `json:"device_class,omitempty"`
	Unit             string                 `json:"unit_of_measurement,omitempty"`
	Category         string                 `json:"entity_category,omitempty"`
	EnabledByDefault bool                   `json:"enabled_by_default"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
}

// EntityID returns "<platform>.<unique_id>"
func (e Entity) EntityID() string {
	return e.Platform + "." + e.UniqueID
}

// ControlEntityID returns the Home Assistant helper that actuates e:
// input_button for buttons and input_number for numbers. Other platforms
// are read-only and return "".
func (e Entity) ControlEntityID() string {
	switch e.Platform {
	case PlatformButton:
		return "input_button." + e.UniqueID
	case PlatformNumber:
		return "input_number." + e.UniqueID
	default:
		return ""
	}
}

// Available reports whether the entity has a usable state
func (e Entity) Available() bool {
	return e.State != StateUnavailable
}

// StateAttributes returns the attributes written to Home Assistant
func (e Entity) StateAttributes() map[string]interface{} {
	attrs := make(map[string]interface{}, len(e.Attributes)+5)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs["friendly_name"] = e.Name
	if e.Icon != "" {
		attrs["icon"] = e.Icon
	}
	if e.DeviceClass != "" {
		attrs["device_class"] = e.DeviceClass
	}
	if e.Unit != "" {
		attrs["unit_of_measurement"] = e.Unit
	}
	if e.Category != "" {
		attrs["entity_category"] = e.Category
	}
	return attrs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func onOff(b bool) string {
	if b {
		return StateOn
	}
	return StateOff
}
