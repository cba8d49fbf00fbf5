package core

import "fmt"

// TaskKind selects which state machine the Worker Loop (C8) runs for a task.
type TaskKind int

const (
	TaskEnsureMirrored TaskKind = iota
	TaskReconcileStatus
	TaskStopAll
)

// GlobalIdentity is the well-known identity key used by tasks that are not
// scoped to a single repository (reconcile).
const GlobalIdentity = "__global__"

// Task is a unit of work submitted to the Task Manager (C7). Identity is the
// dedup key: per-repo tasks use the repo id, global tasks use GlobalIdentity.
type Task struct {
	Kind      TaskKind
	RepoID    int64   // valid when Kind == TaskEnsureMirrored
	RepoIDs   []int64 // valid when Kind == TaskReconcileStatus with a subset scope
	Identity  string
}

// NewEnsureMirroredTask builds the task that clones-or-updates a single repo.
func NewEnsureMirroredTask(repoID int64) Task {
	return Task{
		Kind:     TaskEnsureMirrored,
		RepoID:   repoID,
		Identity: fmt.Sprintf("repo:%d", repoID),
	}
}

// NewReconcileAllTask builds the global reconcile-everything task.
func NewReconcileAllTask() Task {
	return Task{Kind: TaskReconcileStatus, Identity: GlobalIdentity}
}

// NewReconcileSubsetTask builds a reconcile task scoped to specific repo ids.
// Its identity is still the global key: only one reconcile runs at a time.
func NewReconcileSubsetTask(repoIDs []int64) Task {
	return Task{Kind: TaskReconcileStatus, RepoIDs: repoIDs, Identity: GlobalIdentity}
}
