// ABOUTME: Wire types for the augmented (asynchronous) tool execution lifecycle.
// ABOUTME: Task status values and the related-task metadata key clients correlate on.

package mcp

// TaskStatus is the lifecycle state of an augmented tool execution.
type TaskStatus string

const (
	TaskSubmitted TaskStatus = "submitted"
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// RelatedTaskMetaKey is the reserved `_meta` key linking a tasks/result
// payload back to its task.
const RelatedTaskMetaKey = "io.modelcontextprotocol/related-task"

// Task is the wire representation of a task, carried in tasks/get and
// tasks/list results, CreateTaskResult, and notifications/tasks/status.
type Task struct {
	TaskID        string     `json:"taskId"`
	ToolName      string     `json:"toolName,omitempty"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	CreatedAt     string     `json:"createdAt"`
	TTL           int64      `json:"ttl,omitempty"`
}

// CreateTaskResult is the immediate response to a task-augmented
// tools/call: the call returns before the tool runs.
type CreateTaskResult struct {
	Task Task `json:"task"`
}

// TaskParamsRef identifies a task in tasks/get, tasks/result, and
// tasks/cancel params.
type TaskParamsRef struct {
	TaskID string `json:"taskId"`
}

// ListTasksParams are the params for tasks/list.
type ListTasksParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTasksResult is the result for tasks/list.
type ListTasksResult struct {
	Tasks      []Task `json:"tasks"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// TaskStatusParams are the params of notifications/tasks/status.
type TaskStatusParams struct {
	Task
}
