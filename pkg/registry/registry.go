// Package registry holds the task types a process knows how to dispatch and reconcile.
// A Registry is built at process start and passed to the components that need it.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/relay/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrTaskTypeNotRegistered indicates no factory is registered for a task type tag.
	ErrTaskTypeNotRegistered = errors.New("task type not registered")

	// ErrInvalidParameters indicates descriptor parameters do not satisfy the task type schema.
	ErrInvalidParameters = errors.New("invalid task parameters")
)

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.TaskTypeFactory
	schemas   map[string]*gojsonschema.Schema
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		factories: make(map[string]protocol.TaskTypeFactory),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// RegisterTaskType registers a factory and compiles its schema. A later
// registration with the same ID replaces the earlier one.
func (r *Registry) RegisterTaskType(factory protocol.TaskTypeFactory) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(factory.Schema()))
	if err != nil {
		return fmt.Errorf("invalid schema for task type '%s': %w", factory.ID(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	r.schemas[factory.ID()] = schema

	r.logger.Debug("Registered task type", "task_type", factory.ID())

	return nil
}

// TaskType returns the factory registered for a task type tag.
func (r *Registry) TaskType(taskType string) (protocol.TaskTypeFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrTaskTypeNotRegistered, taskType)
	}

	return factory, nil
}

// TaskTypes returns the registered task type tags, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// ValidateParameters checks raw JSON parameters against the task type schema.
func (r *Registry) ValidateParameters(taskType string, parameters []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[taskType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: '%s'", ErrTaskTypeNotRegistered, taskType)
	}

	document := parameters
	if len(document) == 0 {
		document = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			messages = append(messages, resultError.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(messages, "; "))
	}

	return nil
}
