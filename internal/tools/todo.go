package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

// TodoGroup builds the always-enabled TODO tools. They mutate the
// session's TodoStore and broadcast todoUpdate after every change.
func TodoGroup() *Group {
	todoItemSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":     StringProp("Stable item id. Omit to have one assigned."),
			"title":  StringProp("Short imperative description of the step."),
			"status": StringProp("One of: pending, in_progress, completed, failed."),
			"note":   StringProp("Optional free-form note."),
		},
		"required": []string{"title"},
	}
	updateSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":     StringProp("Id of the item to update."),
			"status": StringProp("New status: pending, in_progress, completed, failed."),
			"note":   StringProp("Optional note to attach."),
		},
		"required": []string{"id", "status"},
	}

	return &Group{
		ID: GroupTodo,
		Defs: []Definition{
			{
				Name:        "write_todos",
				Description: "Replace the TODO list with a new ordered plan.",
				Parameters: ObjectSchema(map[string]any{
					"todos": ArrayProp("The full new TODO list, in execution order.", todoItemSchema),
				}, "todos"),
				GroupID: GroupTodo,
			},
			{
				Name:        "update_todos",
				Description: "Update the status or note of existing TODO items.",
				Parameters: ObjectSchema(map[string]any{
					"updates": ArrayProp("Status updates to apply.", updateSchema),
				}, "updates"),
				GroupID: GroupTodo,
			},
			{
				Name:        "get_todo_list",
				Description: "Read the current TODO list with statuses.",
				Parameters:  ObjectSchema(map[string]any{}),
				GroupID:     GroupTodo,
			},
		},
		Handlers: map[string]Handler{
			"write_todos":   writeTodos,
			"update_todos":  updateTodos,
			"get_todo_list": getTodoList,
		},
	}
}

func writeTodos(_ context.Context, args map[string]any, tctx *Context) *Result {
	if tctx.Todos == nil {
		return Fail("no todo store available")
	}
	items := sliceArg(args, "todos")
	todos := make([]models.TodoItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, raw := range items {
		m := mapItem(raw)
		if m == nil {
			return Fail(fmt.Sprintf("todos[%d] is not an object", i))
		}
		title := stringArg(m, "title")
		if strings.TrimSpace(title) == "" {
			return Fail(fmt.Sprintf("todos[%d] is missing a title", i))
		}
		id := stringArg(m, "id")
		if id == "" || seen[id] {
			id = uuid.NewString()
		}
		seen[id] = true
		status := models.TodoStatus(stringArg(m, "status"))
		if !status.Valid() {
			status = models.TodoPending
		}
		todos = append(todos, models.TodoItem{
			ID:     id,
			Title:  title,
			Status: status,
			Note:   stringArg(m, "note"),
		})
	}

	tctx.Todos.SetTodos(todos)
	tctx.EmitEvent(models.ChannelTodoUpdate, models.CloneTodos(todos))
	return Ok(fmt.Sprintf("TODO list replaced (%d items):\n%s", len(todos), RenderTodoList(todos)))
}

func updateTodos(_ context.Context, args map[string]any, tctx *Context) *Result {
	if tctx.Todos == nil {
		return Fail("no todo store available")
	}
	updates := sliceArg(args, "updates")
	if len(updates) == 0 {
		return Fail("updates is empty")
	}

	var missing []string
	for i, raw := range updates {
		m := mapItem(raw)
		if m == nil {
			return Fail(fmt.Sprintf("updates[%d] is not an object", i))
		}
		id := stringArg(m, "id")
		status := models.TodoStatus(stringArg(m, "status"))
		if !status.Valid() {
			return Fail(fmt.Sprintf("updates[%d] has invalid status %q", i, stringArg(m, "status")))
		}
		if !tctx.Todos.UpdateTodo(id, status, stringArg(m, "note")) {
			missing = append(missing, id)
		}
	}

	todos := tctx.Todos.GetTodos()
	tctx.EmitEvent(models.ChannelTodoUpdate, models.CloneTodos(todos))
	if len(missing) > 0 {
		return Fail("no such todo ids: " + strings.Join(missing, ", "))
	}
	return Ok("TODO list updated:\n" + RenderTodoList(todos))
}

func getTodoList(_ context.Context, _ map[string]any, tctx *Context) *Result {
	if tctx.Todos == nil {
		return Fail("no todo store available")
	}
	todos := tctx.Todos.GetTodos()
	if len(todos) == 0 {
		return Ok("The TODO list is empty.")
	}
	return Ok(RenderTodoList(todos))
}

// RenderTodoList renders TODOs as checkbox lines. The same rendering is
// embedded in the CURRENT_TASK block of every loop request.
func RenderTodoList(todos []models.TodoItem) string {
	if len(todos) == 0 {
		return "(no todos)"
	}
	var b strings.Builder
	for _, item := range todos {
		mark := " "
		switch item.Status {
		case models.TodoInProgress:
			mark = "-"
		case models.TodoCompleted:
			mark = "x"
		case models.TodoFailed:
			mark = "!"
		}
		fmt.Fprintf(&b, "- [%s] %s", mark, item.Title)
		if item.Note != "" {
			fmt.Fprintf(&b, " (%s)", item.Note)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
