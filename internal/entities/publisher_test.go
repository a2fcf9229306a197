package entities

import (
	"testing"

	"plantcare/internal/care"
	"plantcare/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func postedByID(posted []ha.PostedState) map[string]ha.PostedState {
	m := make(map[string]ha.PostedState, len(posted))
	for _, p := range posted {
		m[p.EntityID] = p
	}
	return m
}

func TestPublisher_Publish(t *testing.T) {
	mock := ha.NewMockClient()
	p := NewPublisher(mock, nil, zap.NewNop(), false)

	p.Publish(fernEntry(), fernSnapshot())

	posted := postedByID(mock.PostedStates())
	require.Contains(t, posted, "binary_sensor.fern_watering_due")
	assert.Equal(t, StateOn, posted["binary_sensor.fern_watering_due"].State)
	assert.Equal(t, "Fern Watering Due", posted["binary_sensor.fern_watering_due"].Attributes["friendly_name"])

	// environment entities without a source are disabled by default
	assert.NotContains(t, posted, "binary_sensor.fern_temperature_out_of_range")
	assert.Contains(t, posted, "binary_sensor.fern_moisture_out_of_range")
}

func TestPublisher_SkipsUnchanged(t *testing.T) {
	mock := ha.NewMockClient()
	p := NewPublisher(mock, nil, zap.NewNop(), false)

	p.Publish(fernEntry(), fernSnapshot())
	first := len(mock.PostedStates())
	require.NotZero(t, first)

	mock.ClearPostedStates()
	p.Publish(fernEntry(), fernSnapshot())
	assert.Empty(t, mock.PostedStates())

	entry := fernEntry()
	entry.Options.WateringIntervalDays = 3
	p.Publish(entry, fernSnapshot())
	posted := postedByID(mock.PostedStates())
	assert.Len(t, posted, 1)
	assert.Equal(t, "3", posted["number.fern_watering_interval_days"].State)
}

func TestPublisher_ClearedSourceBecomesUnavailable(t *testing.T) {
	mock := ha.NewMockClient()
	p := NewPublisher(mock, nil, zap.NewNop(), false)

	p.Publish(fernEntry(), fernSnapshot())
	posted := postedByID(mock.PostedStates())
	require.Equal(t, StateOn, posted["binary_sensor.fern_moisture_out_of_range"].State)
	require.Equal(t, "8", posted["sensor.fern_moisture_deviation"].State)

	entry := fernEntry()
	entry.Options.SetSource(care.MetricMoisture, "")
	snap := fernSnapshot()
	snap.Env.Set(care.MetricMoisture, care.ComputeBounds(nil, 20, 60))

	mock.ClearPostedStates()
	p.Publish(entry, snap)
	posted = postedByID(mock.PostedStates())
	assert.Equal(t, StateUnavailable, posted["binary_sensor.fern_moisture_out_of_range"].State)
	assert.Equal(t, StateUnavailable, posted["sensor.fern_moisture_deviation"].State)
	// never written before, so still skipped
	assert.NotContains(t, posted, "binary_sensor.fern_temperature_out_of_range")

	mock.ClearPostedStates()
	p.Publish(entry, snap)
	assert.Empty(t, mock.PostedStates())
}

func TestPublisher_RetriesAfterFailure(t *testing.T) {
	mock := ha.NewMockClient()
	p := NewPublisher(mock, nil, zap.NewNop(), false)

	mock.FailOn("PostState", assert.AnError)
	p.Publish(fernEntry(), fernSnapshot())
	assert.Empty(t, mock.PostedStates())

	mock.FailOn("PostState", nil)
	p.Publish(fernEntry(), fernSnapshot())
	assert.NotEmpty(t, mock.PostedStates())
}

func TestPublisher_ReadOnly(t *testing.T) {
	mock := ha.NewMockClient()
	p := NewPublisher(mock, nil, zap.NewNop(), true)

	p.Publish(fernEntry(), fernSnapshot())
	require.NoError(t, p.Retire(fernEntry()))
	assert.Empty(t, mock.PostedStates())
}

func TestPublisher_Retire(t *testing.T) {
	mock := ha.NewMockClient()
	p := NewPublisher(mock, nil, zap.NewNop(), false)

	p.Publish(fernEntry(), fernSnapshot())
	published := len(mock.PostedStates())
	mock.ClearPostedStates()

	require.NoError(t, p.Retire(fernEntry()))
	posted := mock.PostedStates()
	assert.Len(t, posted, published)
	for _, s := range posted {
		assert.Equal(t, StateUnavailable, s.State)
	}

	// retiring twice writes nothing
	mock.ClearPostedStates()
	require.NoError(t, p.Retire(fernEntry()))
	assert.Empty(t, mock.PostedStates())
}
