// Package plant holds the configuration entry of a tracked plant and its
// user-editable options.
package plant

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

var ErrInvalidName = errors.New("plant name must not be empty")

// Entry is one configured plant
type Entry struct {
	EntryID   string  `json:"entry_id" yaml:"entry_id"`
	PlantID   string  `json:"plant_id" yaml:"plant_id"`
	PlantName string  `json:"plant_name" yaml:"plant_name"`
	Options   Options `json:"options" yaml:"options"`
}

// NewEntry creates an entry with a fresh id and a plant id derived from name
func NewEntry(name string, opts Options) (Entry, error) {
	name = strings.TrimSpace(name)
	plantID := Slugify(name)
	if plantID == "" {
		return Entry{}, ErrInvalidName
	}

	return Entry{
		EntryID:   uuid.NewString(),
		PlantID:   plantID,
		PlantName: name,
		Options:   opts,
	}, nil
}

// Slugify turns a plant name into an object id such as "monstera_deliciosa"
func Slugify(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

// ObjectID returns the object id of one of the entry's entities
func (e Entry) ObjectID(suffix string) string {
	id := e.PlantID
	if id == "" {
		id = e.EntryID
	}
	return id + "_" + suffix
}

// DisplayName returns the plant name, falling back to "Plant"
func (e Entry) DisplayName() string {
	if e.PlantName == "" {
		return "Plant"
	}
	return e.PlantName
}
