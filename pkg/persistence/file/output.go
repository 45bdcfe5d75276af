package file

import (
	"context"
	"errors"
	"os"
	"sort"

	"github.com/dukex/relay/pkg/models"
)

// OutputRepository keeps the outputs of one step in a single file keyed by output name.
type OutputRepository struct {
	fp *Persistence
}

func (r *OutputRepository) SaveOutput(_ context.Context, stepExecutionKey string, output models.StructuredOutput) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	outputs, err := r.load(stepExecutionKey)
	if err != nil {
		return err
	}

	outputs[output.Name] = output

	return r.fp.writeJSON(outputsDir, stepExecutionKey, outputs)
}

func (r *OutputRepository) Outputs(_ context.Context, stepExecutionKey string) ([]models.StructuredOutput, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	outputs, err := r.load(stepExecutionKey)
	if err != nil {
		return nil, err
	}

	result := make([]models.StructuredOutput, 0, len(outputs))
	for _, output := range outputs {
		result = append(result, output)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result, nil
}

func (r *OutputRepository) load(stepExecutionKey string) (map[string]models.StructuredOutput, error) {
	outputs := make(map[string]models.StructuredOutput)

	if err := r.fp.readJSON(outputsDir, stepExecutionKey, &outputs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return outputs, nil
		}

		return nil, err
	}

	return outputs, nil
}
