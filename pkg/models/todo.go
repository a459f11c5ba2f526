package models

// TodoStatus is the lifecycle state of a single TODO item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
)

// TodoItem is one entry in a session's plan. A TODO list is an ordered
// sequence where no two items share an id. "At most one in_progress" is
// a convention the planner follows, not an enforced invariant.
type TodoItem struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TodoStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
}

// Valid reports whether the status is one of the known states.
func (s TodoStatus) Valid() bool {
	switch s {
	case TodoPending, TodoInProgress, TodoCompleted, TodoFailed:
		return true
	}
	return false
}

// CloneTodos returns a deep copy of a TODO list.
func CloneTodos(todos []TodoItem) []TodoItem {
	if todos == nil {
		return nil
	}
	out := make([]TodoItem, len(todos))
	copy(out, todos)
	return out
}
