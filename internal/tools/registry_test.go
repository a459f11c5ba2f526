package tools

import (
	"context"
	"testing"
)

func testRegistry(t *testing.T, extra ...*Group) *Registry {
	t.Helper()
	groups := append([]*Group{CommunicationGroup(), TodoGroup()}, extra...)
	r, err := NewRegistry(groups...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestCoreGroupsEnabledOnConstruction(t *testing.T) {
	r := testRegistry(t, FileGroup())

	if !r.IsEnabled(GroupCommunication) || !r.IsEnabled(GroupTodo) {
		t.Fatal("core groups should be enabled immediately")
	}
	if r.IsEnabled(GroupFile) {
		t.Fatal("optional groups should start disabled")
	}
	for _, name := range []string{"tell_to_user", "ask_to_user", "final_response", "write_todos"} {
		if !r.HasTool(name) {
			t.Errorf("core tool %q should be available", name)
		}
	}
	if r.HasTool("read_file") {
		t.Error("read_file should not be available while the file group is disabled")
	}
}

func TestEnableDisableOptionalGroup(t *testing.T) {
	r := testRegistry(t, FileGroup())

	if got := r.Enable(GroupFile); got != EnableOK {
		t.Fatalf("Enable(file) = %v, want ok", got)
	}
	if !r.HasTool("read_file") {
		t.Fatal("read_file should be available after enabling the file group")
	}
	if got := r.Enable(GroupFile); got != EnableAlreadyEnabled {
		t.Errorf("second Enable(file) = %v, want alreadyEnabled", got)
	}
	if got := r.Disable(GroupFile); got != DisableOK {
		t.Fatalf("Disable(file) = %v, want ok", got)
	}
	if r.HasTool("read_file") {
		t.Error("read_file should be unavailable after disabling the file group")
	}
}

func TestCoreGroupsImmutable(t *testing.T) {
	r := testRegistry(t)

	if got := r.Disable(GroupCommunication); got != DisableCoreGroupImmutable {
		t.Errorf("Disable(communication) = %v, want coreGroupImmutable", got)
	}
	if got := r.Disable(GroupTodo); got != DisableCoreGroupImmutable {
		t.Errorf("Disable(todo) = %v, want coreGroupImmutable", got)
	}
	if !r.IsEnabled(GroupCommunication) || !r.IsEnabled(GroupTodo) {
		t.Error("core groups must stay enabled")
	}
}

func TestEnableUnknownGroup(t *testing.T) {
	r := testRegistry(t)
	if got := r.Enable("telepathy"); got != EnableUnknownGroup {
		t.Errorf("Enable(telepathy) = %v, want unknownGroup", got)
	}
	if got := r.Disable("telepathy"); got != DisableUnknownGroup {
		t.Errorf("Disable(telepathy) = %v, want unknownGroup", got)
	}
}

func TestEnableNameConflict(t *testing.T) {
	echo := func(_ context.Context, _ map[string]any, _ *Context) *Result { return Ok("ok") }
	clash := &Group{
		ID: "clash",
		Defs: []Definition{{
			Name:        "tell_to_user",
			Description: "Conflicting name.",
			Parameters:  ObjectSchema(map[string]any{}),
			GroupID:     "clash",
		}},
		Handlers: map[string]Handler{"tell_to_user": echo},
	}
	r := testRegistry(t, clash)

	if got := r.Enable("clash"); got != EnableNameConflict {
		t.Fatalf("Enable(clash) = %v, want nameConflict", got)
	}
	if r.IsEnabled("clash") {
		t.Error("conflicting group must stay disabled")
	}
}

func TestRegisterGroupRejectsMissingHandler(t *testing.T) {
	bad := &Group{
		ID: "bad",
		Defs: []Definition{{
			Name:       "orphan",
			Parameters: ObjectSchema(map[string]any{}),
			GroupID:    "bad",
		}},
	}
	if _, err := NewRegistry(bad); err == nil {
		t.Fatal("expected registration error for tool without handler")
	}
}

func TestListSchemasSortedAndFiltered(t *testing.T) {
	r := testRegistry(t, FileGroup(), ShellGroup())
	r.Enable(GroupShell)

	schemas := r.ListSchemas()
	names := make(map[string]bool, len(schemas))
	for i, s := range schemas {
		names[s.Name] = true
		if i > 0 && schemas[i-1].Name > s.Name {
			t.Fatalf("schemas not sorted: %q before %q", schemas[i-1].Name, s.Name)
		}
	}
	if !names["run_command"] {
		t.Error("enabled shell tool missing from schemas")
	}
	if names["read_file"] {
		t.Error("disabled file tool present in schemas")
	}
}

func TestEnabledOptionalGroups(t *testing.T) {
	r := testRegistry(t, FileGroup(), ShellGroup())
	r.Enable(GroupShell)
	r.Enable(GroupFile)

	got := r.EnabledOptionalGroups()
	if len(got) != 2 || got[0] != GroupFile || got[1] != GroupShell {
		t.Fatalf("EnabledOptionalGroups = %v, want [file shell]", got)
	}
}
