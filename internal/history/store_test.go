package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadTranscript(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	messages := []models.Message{
		models.UserMessage("echo hello"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "echo", Arguments: `{"text":"hello"}`},
		}},
		models.ToolMessage("hello", "c1"),
		models.AssistantMessage("done"),
	}
	if err := s.SaveTranscript(ctx, "s1", "Echo Session", "/work", messages); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	got, err := s.LoadTranscript(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(got) != len(messages) {
		t.Fatalf("loaded %d messages, want %d", len(got), len(messages))
	}
	if got[1].ToolCalls[0].Arguments != `{"text":"hello"}` {
		t.Errorf("tool call arguments lost: %+v", got[1])
	}
	if got[2].ToolCallID != "c1" {
		t.Errorf("tool_call_id lost: %+v", got[2])
	}
}

func TestSaveTranscriptReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []models.Message{models.UserMessage("one")}
	second := []models.Message{models.UserMessage("two"), models.AssistantMessage("ok")}
	if err := s.SaveTranscript(ctx, "s1", "", "/w", first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTranscript(ctx, "s1", "", "/w", second); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadTranscript(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "two" {
		t.Errorf("transcript not replaced: %+v", got)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadTranscript(context.Background(), "nope")
	if err != nil || len(got) != 0 {
		t.Errorf("missing session = %v, %v; want empty, nil", got, err)
	}
}

func TestTitlePreservedAcrossSaves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "s1", "First Title", "/w", nil); err != nil {
		t.Fatal(err)
	}
	// A later save without a title must not erase the existing one.
	if err := s.SaveTranscript(ctx, "s1", "", "/w", nil); err != nil {
		t.Fatal(err)
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Title != "First Title" {
		t.Errorf("sessions = %+v", sessions)
	}

	if err := s.SetTitle(ctx, "s1", "Renamed"); err != nil {
		t.Fatal(err)
	}
	sessions, _ = s.ListSessions(ctx)
	if sessions[0].Title != "Renamed" {
		t.Errorf("title = %q after SetTitle", sessions[0].Title)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "s1", "t", "/w",
		[]models.Message{models.UserMessage("hi")}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadTranscript(ctx, "s1")
	if err != nil || len(got) != 0 {
		t.Errorf("messages survived session delete: %v, %v", got, err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Errorf("deleting a missing session errored: %v", err)
	}
}
