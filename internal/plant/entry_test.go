package plant

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Monstera":            "monstera",
		"Monstera Deliciosa":  "monstera_deliciosa",
		"  Fiddle-Leaf Fig  ": "fiddle_leaf_fig",
		"Kaktus Müller":       "kaktus_muller",
		"Pilea 2":             "pilea_2",
	}

	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, Slugify(name))
		})
	}
}

func TestNewEntry(t *testing.T) {
	entry, err := NewEntry(" Monstera Deliciosa ", DefaultOptions())
	require.NoError(t, err)

	_, err = uuid.Parse(entry.EntryID)
	assert.NoError(t, err)
	assert.Equal(t, "monstera_deliciosa", entry.PlantID)
	assert.Equal(t, "Monstera Deliciosa", entry.PlantName)
	assert.Equal(t, "monstera_deliciosa_watering_due", entry.ObjectID("watering_due"))

	other, err := NewEntry("Monstera Deliciosa", DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, entry.EntryID, other.EntryID)
	assert.Equal(t, entry.PlantID, other.PlantID)

	_, err = NewEntry("   ", DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = NewEntry("!!!", DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestEntry_Fallbacks(t *testing.T) {
	entry := Entry{EntryID: "abc"}
	assert.Equal(t, "abc_watering_due", entry.ObjectID("watering_due"))
	assert.Equal(t, "Plant", entry.DisplayName())
}
