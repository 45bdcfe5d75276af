package registry

import (
	"github.com/dukex/relay/pkg/tasks/ciexecute"
	"github.com/dukex/relay/pkg/tasks/ciinitialize"
	"github.com/dukex/relay/pkg/tasks/helmdeploy"
)

// RegisterDefaultTaskTypes registers all built-in task types with the registry.
func (r *Registry) RegisterDefaultTaskTypes() error {
	// Register CI pod setup
	if err := r.RegisterTaskType(ciinitialize.NewFactory()); err != nil {
		return err
	}

	// Register CI step execution
	if err := r.RegisterTaskType(ciexecute.NewFactory()); err != nil {
		return err
	}

	// Register Helm deployment
	return r.RegisterTaskType(helmdeploy.NewFactory())
}
