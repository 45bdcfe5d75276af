// Package file provides file-based persistence for delegate tasks, wait sets,
// approval instances and outputs. It is meant for single-process development use.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/relay/pkg/persistence"
)

const (
	tasksDir     = "tasks"
	waitSetsDir  = "wait_sets"
	callbacksDir = "callbacks"
	approvalsDir = "approvals"
	outputsDir   = "outputs"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string

	// mu serializes read-compare-write sequences so conditional updates hold
	// within one process.
	mu sync.Mutex

	taskRepo     *TaskRepository
	waitSetRepo  *WaitSetRepository
	approvalRepo *ApprovalRepository
	outputRepo   *OutputRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	fp := &Persistence{root: cleanRoot}
	fp.taskRepo = &TaskRepository{fp: fp}
	fp.waitSetRepo = &WaitSetRepository{fp: fp}
	fp.approvalRepo = &ApprovalRepository{fp: fp}
	fp.outputRepo = &OutputRepository{fp: fp}

	return fp
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) TaskRepository() persistence.TaskRepository {
	return fp.taskRepo
}

func (fp *Persistence) WaitSetRepository() persistence.WaitSetRepository {
	return fp.waitSetRepo
}

func (fp *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return fp.approvalRepo
}

func (fp *Persistence) OutputRepository() persistence.OutputRepository {
	return fp.outputRepo
}

// validateID validates that an identifier is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("identifier contains invalid characters")
	}

	return nil
}

func (fp *Persistence) path(dir, id string) string {
	return filepath.Join(fp.root, dir, id+".json")
}

// exists reports whether a record file is present.
func (fp *Persistence) exists(dir, id string) bool {
	_, err := os.Stat(fp.path(dir, id))

	return err == nil
}

// readJSON loads a record. It returns os.ErrNotExist when the file is absent.
func (fp *Persistence) readJSON(dir, id string, v any) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid %s id: %w", dir, err)
	}

	data, err := os.ReadFile(fp.path(dir, id)) // #nosec G304 -- id is validated and path constructed safely
	if err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}

		return fmt.Errorf("failed to read %s %s: %w", dir, id, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s %s: %w", dir, id, err)
	}

	return nil
}

// writeJSON stores a record through a temp file and rename.
func (fp *Persistence) writeJSON(dir, id string, v any) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid %s id: %w", dir, err)
	}

	recordDir := filepath.Join(fp.root, dir)

	if err := os.MkdirAll(recordDir, 0750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", dir, id, err)
	}

	tmp := fp.path(dir, id) + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", dir, id, err)
	}

	if err := os.Rename(tmp, fp.path(dir, id)); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", dir, id, err)
	}

	return nil
}

// scan lists the record ids stored in a directory.
func (fp *Persistence) scan(dir string) ([]string, error) {
	pattern := filepath.Join(fp.root, dir, "*.json")

	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob %s files: %w", dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(filepath.Base(file), ".json"))
	}

	return ids, nil
}
