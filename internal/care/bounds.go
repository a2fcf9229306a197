package care

// EnvStatus is the derived state of one environmental metric.
// OutOfRange and Deviation are nil when no reading is available, which is
// distinct from an in-range reading.
type EnvStatus struct {
	Value      *float64 `json:"value"`
	Min        float64  `json:"min"`
	Max        float64  `json:"max"`
	OutOfRange *bool    `json:"out_of_range"`
	Deviation  *float64 `json:"deviation"`
}

// Available reports whether the metric had a usable reading
func (s EnvStatus) Available() bool {
	return s.OutOfRange != nil
}

// ComputeBounds checks a reading against the closed interval [min, max]
func ComputeBounds(value *float64, min, max float64) EnvStatus {
	status := EnvStatus{Min: min, Max: max}
	if value == nil {
		return status
	}

	v := *value
	status.Value = &v

	var outOfRange bool
	var deviation float64
	switch {
	case v < min:
		outOfRange, deviation = true, min-v
	case v > max:
		outOfRange, deviation = true, v-max
	}

	status.OutOfRange = &outOfRange
	status.Deviation = &deviation
	return status
}
