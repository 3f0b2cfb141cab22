package domain

// RunState is a WorkflowRun state.
type RunState string

const (
	StateInit             RunState = "INIT"
	StateGenerating       RunState = "GENERATING"
	StateAwaitingApproval RunState = "AWAITING_APPROVAL"
	StateRevising         RunState = "REVISING"
	StateApproved         RunState = "APPROVED"
	StateExecuting        RunState = "EXECUTING"
	StateCompleted        RunState = "COMPLETED"
	StateFailed           RunState = "FAILED"
	StateCancelled        RunState = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Settled reports whether the run is waiting on its caller or finished.
func (s RunState) Settled() bool {
	return s == StateAwaitingApproval || s.Terminal()
}
