package domain

// Transition tables are the single source of truth for legal status moves.
// Same-status writes are always allowed so callers can persist other fields
// without special-casing.

var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending:    {TaskInProgress: true},
	TaskInProgress: {TaskReview: true, TaskCompleted: true, TaskFailed: true},
	TaskReview:     {TaskInProgress: true, TaskCompleted: true},
	TaskCompleted:  {},
	TaskFailed:     {},
}

var milestoneTransitions = map[MilestoneStatus]map[MilestoneStatus]bool{
	MilestonePending:    {MilestoneInProgress: true},
	MilestoneInProgress: {MilestoneCompleted: true},
	MilestoneCompleted:  {},
}

var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunRunning:   {RunCompleted: true, RunFailed: true},
	RunCompleted: {},
	RunFailed:    {},
}

func CanTransitionTask(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := taskTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

func CanTransitionMilestone(from, to MilestoneStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := milestoneTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

func CanTransitionRun(from, to RunStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := runTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Terminal reports whether a task can never change status again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}
