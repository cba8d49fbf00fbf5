package core

// TaskStage is a point in a task's lifecycle at which progress is published.
type TaskStage string

const (
	StageCloning   TaskStage = "Cloning"
	StageFetching  TaskStage = "Fetching"
	StageArchiving TaskStage = "Archiving"
	StageDone      TaskStage = "Done"
	StageFailed    TaskStage = "Failed"
	StageCancelled TaskStage = "Cancelled"
)

// TaskProgress is published at stage boundaries while a worker processes a
// task for a single repository.
type TaskProgress struct {
	RepoID   int64
	RepoURL  string
	Stage    TaskStage
	Fraction float64 // 0 when not meaningful for the stage
	Message  string
}

// RepoUpdated is published whenever a Repository row changes as the result
// of a worker task or a reconcile pass.
type RepoUpdated struct {
	Repo Repository
}

// TaskError is published when a task terminates in a non-cancellation
// failure. Kind mirrors the error taxonomy so subscribers can group without
// parsing Message.
type TaskError struct {
	RepoID  int64
	Kind    string
	Message string
}

// Event is the union of everything the Event Bus (C10) fans out. Exactly one
// field is non-zero.
type Event struct {
	Progress *TaskProgress
	Updated  *RepoUpdated
	Error    *TaskError
}
