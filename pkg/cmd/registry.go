// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/relay/pkg/registry"
)

// NewRegistry builds a registry holding the built-in task types.
func NewRegistry(log *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	if err := reg.RegisterDefaultTaskTypes(); err != nil {
		return nil, fmt.Errorf("failed to register task types: %w", err)
	}

	log.Info("Task types registered", "task_types", reg.TaskTypes())

	return reg, nil
}
