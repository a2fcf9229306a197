package plant

// NumberSpec describes an editable numeric option as exposed by the number
// platform: display suffix, unit, range and step.
type NumberSpec struct {
	Key   string
	Label string
	Unit  string
	Min   float64
	Max   float64
	Step  float64
	Icon  string
}

// NumberSpecs lists every numeric option in display order
var NumberSpecs = []NumberSpec{
	{Key: OptWateringIntervalDays, Label: "Watering Interval (days)", Unit: "d", Min: 0, Max: 60, Step: 1, Icon: "mdi:calendar-range"},
	{Key: OptFertilizingIntervalDays, Label: "Fertilizing Interval (days)", Unit: "d", Min: 0, Max: 365, Step: 1, Icon: "mdi:calendar-range"},
	{Key: OptMoistureMin, Label: "Watering Moisture min (%)", Unit: "%", Min: 0, Max: 100, Step: 1, Icon: "mdi:water-percent"},
	{Key: OptMoistureMax, Label: "Watering Moisture max (%)", Unit: "%", Min: 0, Max: 100, Step: 1, Icon: "mdi:water-percent"},
	{Key: OptHumidityMin, Label: "Targets Humidity min (%)", Unit: "%", Min: 0, Max: 100, Step: 1, Icon: "mdi:water-percent"},
	{Key: OptHumidityMax, Label: "Targets Humidity max (%)", Unit: "%", Min: 0, Max: 100, Step: 1, Icon: "mdi:water-percent"},
	{Key: OptTempMin, Label: "Targets Temperature min (°C)", Unit: "°C", Min: -10, Max: 50, Step: 0.5, Icon: "mdi:thermometer"},
	{Key: OptTempMax, Label: "Targets Temperature max (°C)", Unit: "°C", Min: -10, Max: 50, Step: 0.5, Icon: "mdi:thermometer"},
	{Key: OptLightMin, Label: "Targets Light min (lx)", Unit: "lx", Min: 0, Max: 100000, Step: 100, Icon: "mdi:white-balance-sunny"},
	{Key: OptLightMax, Label: "Targets Light max (lx)", Unit: "lx", Min: 0, Max: 100000, Step: 100, Icon: "mdi:white-balance-sunny"},
}

// NumberSpecFor looks up the spec of a numeric option
func NumberSpecFor(key string) (NumberSpec, bool) {
	for _, spec := range NumberSpecs {
		if spec.Key == key {
			return spec, true
		}
	}
	return NumberSpec{}, false
}
