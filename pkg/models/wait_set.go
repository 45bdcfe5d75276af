package models

import "time"

// WaitSetState is the reconciliation progress of a StepWaitSet.
type WaitSetState string

const (
	WaitSetStateAwaiting          WaitSetState = "AWAITING"
	WaitSetStatePartiallyResolved WaitSetState = "PARTIALLY_RESOLVED"
	WaitSetStateResolved          WaitSetState = "RESOLVED"
	WaitSetStateShortCircuited    WaitSetState = "SHORT_CIRCUITED"
	WaitSetStateAborted           WaitSetState = "ABORTED"
	WaitSetStateExpired           WaitSetState = "EXPIRED"
)

// IsComplete reports whether an outcome can be computed from the gathered results.
func (s WaitSetState) IsComplete() bool {
	return s == WaitSetStateResolved || s == WaitSetStateShortCircuited
}

// CallbackState is the resolution state of one callback id.
type CallbackState struct {
	ID         string                 `json:"id"`
	TaskType   string                 `json:"task_type"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Result     *RemoteExecutionResult `json:"result,omitempty"`
}

// StepWaitSet is the set of outstanding callbacks for one step execution,
// plus the auxiliary context needed to interpret their responses.
type StepWaitSet struct {
	StepExecutionKey string                   `json:"step_execution_key"`
	Step             StepRef                  `json:"step"`
	CallbackIDs      []string                 `json:"callback_ids"`
	Callbacks        map[string]CallbackState `json:"callbacks"`
	AuxiliaryContext map[string]any           `json:"auxiliary_context,omitempty"`
	State            WaitSetState             `json:"state"`
	Outcome          *StepOutcome             `json:"outcome,omitempty"`
	EmittedAt        *time.Time               `json:"emitted_at,omitempty"`
	ArchivedAt       *time.Time               `json:"archived_at,omitempty"`
	Deadline         *time.Time               `json:"deadline,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	Version          int64                    `json:"version"`
}

// NewStepWaitSet creates an empty wait set in AWAITING state.
func NewStepWaitSet(stepExecutionKey string, step StepRef) *StepWaitSet {
	now := time.Now().UTC()

	return &StepWaitSet{
		StepExecutionKey: stepExecutionKey,
		Step:             step,
		CallbackIDs:      []string{},
		Callbacks:        make(map[string]CallbackState),
		AuxiliaryContext: make(map[string]any),
		State:            WaitSetStateAwaiting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AddCallback registers a callback id. Adding an id twice is a no-op.
func (w *StepWaitSet) AddCallback(callbackID, taskType string) {
	if _, exists := w.Callbacks[callbackID]; exists {
		return
	}

	w.CallbackIDs = append(w.CallbackIDs, callbackID)
	w.Callbacks[callbackID] = CallbackState{ID: callbackID, TaskType: taskType}
}

// IsFinal reports whether an outcome was already recorded.
func (w *StepWaitSet) IsFinal() bool {
	return w.Outcome != nil
}

// IsEmitted reports whether a publisher claimed the outcome for emission.
func (w *StepWaitSet) IsEmitted() bool {
	return w.EmittedAt != nil
}

// IsArchived reports whether the outcome was published and the step execution closed.
// An archived wait set stays stored so its key cannot be registered again.
func (w *StepWaitSet) IsArchived() bool {
	return w.ArchivedAt != nil
}

// EmissionPendingSince returns when the outcome last became publishable: the
// emission claim when one exists, the outcome time otherwise. It is nil while
// there is no outcome and once the wait set is archived.
func (w *StepWaitSet) EmissionPendingSince() *time.Time {
	if !w.IsFinal() || w.IsArchived() {
		return nil
	}

	if w.EmittedAt != nil {
		return w.EmittedAt
	}

	return &w.Outcome.CompletedAt
}

// Resolve records a result for its callback id. It returns false when the
// wait set is final, the id is unknown, or the id was already resolved.
func (w *StepWaitSet) Resolve(result RemoteExecutionResult) bool {
	if w.IsFinal() {
		return false
	}

	callback, ok := w.Callbacks[result.CallbackID]
	if !ok || callback.Resolved {
		return false
	}

	resolvedAt := result.ReceivedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}

	stored := result
	callback.Resolved = true
	callback.ResolvedAt = &resolvedAt
	callback.Result = &stored
	w.Callbacks[result.CallbackID] = callback

	w.refreshState()

	return true
}

// Pending returns unresolved callback ids in registration order.
func (w *StepWaitSet) Pending() []string {
	pending := make([]string, 0, len(w.CallbackIDs))

	for _, id := range w.CallbackIDs {
		if !w.Callbacks[id].Resolved {
			pending = append(pending, id)
		}
	}

	return pending
}

// Results returns resolved results in registration order, independent of arrival order.
func (w *StepWaitSet) Results() []RemoteExecutionResult {
	results := make([]RemoteExecutionResult, 0, len(w.CallbackIDs))

	for _, id := range w.CallbackIDs {
		callback := w.Callbacks[id]
		if callback.Resolved && callback.Result != nil {
			results = append(results, *callback.Result)
		}
	}

	return results
}

// TaskTypeOf returns the task type registered for a callback id.
func (w *StepWaitSet) TaskTypeOf(callbackID string) string {
	return w.Callbacks[callbackID].TaskType
}

func (w *StepWaitSet) refreshState() {
	resolved := 0

	for _, id := range w.CallbackIDs {
		callback := w.Callbacks[id]
		if !callback.Resolved {
			continue
		}

		if callback.Result != nil && callback.Result.TransportError {
			w.State = WaitSetStateShortCircuited

			return
		}

		resolved++
	}

	switch {
	case resolved == 0:
		w.State = WaitSetStateAwaiting
	case resolved == len(w.CallbackIDs):
		w.State = WaitSetStateResolved
	default:
		w.State = WaitSetStatePartiallyResolved
	}
}
