package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dukex/relay/pkg/models"
)

// OutputRepository keeps the outputs of a step in one hash keyed by output name.
type OutputRepository struct {
	p *Persistence
}

func (r *OutputRepository) recordKey(stepExecutionKey string) string {
	return r.p.key("outputs", stepExecutionKey)
}

func (r *OutputRepository) SaveOutput(ctx context.Context, stepExecutionKey string, output models.StructuredOutput) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output %s: %w", output.Name, err)
	}

	if err := r.p.client.HSet(ctx, r.recordKey(stepExecutionKey), output.Name, data).Err(); err != nil {
		return fmt.Errorf("failed to save output %s: %w", output.Name, err)
	}

	return nil
}

func (r *OutputRepository) Outputs(ctx context.Context, stepExecutionKey string) ([]models.StructuredOutput, error) {
	values, err := r.p.client.HGetAll(ctx, r.recordKey(stepExecutionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}

	outputs := make([]models.StructuredOutput, 0, len(values))

	for name, raw := range values {
		var output models.StructuredOutput
		if err := json.Unmarshal([]byte(raw), &output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output %s: %w", name, err)
		}

		outputs = append(outputs, output)
	}

	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].Name < outputs[j].Name
	})

	return outputs, nil
}
