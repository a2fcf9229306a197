package entities

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"plantcare/internal/care"
	"plantcare/internal/ha"
	"plantcare/internal/plant"

	"go.uber.org/zap"
)

type written struct {
	state string
	attrs map[string]interface{}
}

// Publisher writes projected entities to Home Assistant. Unchanged entities
// are not written again.
type Publisher struct {
	writer   ha.StateWriter
	registry *Registry
	readOnly bool
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]written
}

func NewPublisher(writer ha.StateWriter, registry *Registry, logger *zap.Logger, readOnly bool) *Publisher {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Publisher{
		writer:   writer,
		registry: registry,
		readOnly: readOnly,
		logger:   logger.Named("entities"),
		last:     make(map[string]written),
	}
}

// Registry returns the platform registry used for projection
func (p *Publisher) Registry() *Registry {
	return p.registry
}

// Publish projects entry and snap and writes every enabled entity whose
// state or attributes changed. Previously written entities that became
// disabled are set unavailable. It matches coordinator.Listener.
func (p *Publisher) Publish(entry plant.Entry, snap *care.Snapshot) {
	if err := p.publish(p.registry.Project(entry, snap)); err != nil {
		p.logger.Warn("Failed to publish entities",
			zap.String("plant_id", entry.PlantID),
			zap.Error(err))
	}
}

func (p *Publisher) publish(list []Entity) error {
	var errs []error
	for _, e := range list {
		state, attrs := e.State, e.StateAttributes()
		if !e.EnabledByDefault {
			// An entity that was written before and is now disabled, such as
			// a metric whose source was cleared, must not keep its last state.
			if !p.known(e.EntityID()) {
				continue
			}
			state, attrs = StateUnavailable, map[string]interface{}{"friendly_name": e.Name}
		}
		if err := p.write(e.EntityID(), state, attrs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) known(entityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.last[entityID]
	return ok
}

func (p *Publisher) write(entityID, state string, attrs map[string]interface{}) error {
	p.mu.Lock()
	prev, ok := p.last[entityID]
	p.mu.Unlock()
	if ok && prev.state == state && reflect.DeepEqual(prev.attrs, attrs) {
		return nil
	}

	if p.readOnly {
		p.logger.Info("READ-ONLY: Would update entity",
			zap.String("entity_id", entityID),
			zap.String("state", state))
	} else {
		if err := p.writer.PostState(entityID, state, attrs); err != nil {
			return fmt.Errorf("failed to write %s: %w", entityID, err)
		}
		p.logger.Debug("Entity updated", zap.String("entity_id", entityID), zap.String("state", state))
	}

	p.mu.Lock()
	p.last[entityID] = written{state: state, attrs: attrs}
	p.mu.Unlock()
	return nil
}

// Retire marks every entity of entry unavailable and forgets it
func (p *Publisher) Retire(entry plant.Entry) error {
	var errs []error
	for _, e := range p.registry.Project(entry, nil) {
		id := e.EntityID()

		p.mu.Lock()
		_, known := p.last[id]
		delete(p.last, id)
		p.mu.Unlock()
		if !known {
			continue
		}

		if p.readOnly {
			p.logger.Info("READ-ONLY: Would retire entity", zap.String("entity_id", id))
			continue
		}
		if err := p.writer.PostState(id, StateUnavailable, map[string]interface{}{"friendly_name": e.Name}); err != nil {
			errs = append(errs, fmt.Errorf("failed to retire %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
