package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func TestCreateEpic_StartsInDraft(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	epic, err := s.CreateEpic(ctx, "payments-v2", "rebuild the payments pipeline", store.CreateEpicOptions{})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	if epic.Status != store.EpicDraft {
		t.Fatalf("expected draft status, got %s", epic.Status)
	}
}

func TestCreateEpic_RejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateEpic(ctx, "onboarding", "goal", store.CreateEpicOptions{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateEpic(ctx, "onboarding", "another goal", store.CreateEpicOptions{}); !errors.Is(err, store.ErrDuplicateEpicName) {
		t.Fatalf("expected ErrDuplicateEpicName, got %v", err)
	}
}

func TestSetEpicStatus_StampsStartedAndCompletedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	epic, err := s.CreateEpic(ctx, "migration", "move to v2", store.CreateEpicOptions{})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	active, err := s.SetEpicStatus(ctx, epic.ID, store.EpicActive)
	if err != nil {
		t.Fatalf("set active: %v", err)
	}
	if active.StartedAt == nil {
		t.Fatalf("expected started_at stamped on first activation")
	}
	firstStart := active.StartedAt

	completed, err := s.SetEpicStatus(ctx, epic.ID, store.EpicCompleted)
	if err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if completed.CompletedAt == nil {
		t.Fatalf("expected completed_at stamped")
	}
	if completed.StartedAt == nil || !completed.StartedAt.Equal(*firstStart) {
		t.Fatalf("expected started_at to remain unchanged once stamped")
	}
}

func TestGetEpicProgress_CountsTasksByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "alice", store.JoinOptions{MaxTasks: 5})

	epic, err := s.CreateEpic(ctx, "rollout", "ship the feature", store.CreateEpicOptions{})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}

	done, err := s.CreateTask(ctx, "step one", store.CreateTaskOptions{AgentID: agent.ID, EpicID: epic.ID})
	if err != nil {
		t.Fatalf("create task one: %v", err)
	}
	if _, err := s.Start(ctx, done.ID, agent.ID); err != nil {
		t.Fatalf("start task one: %v", err)
	}
	if _, err := s.Complete(ctx, done.ID, "ok"); err != nil {
		t.Fatalf("complete task one: %v", err)
	}

	if _, err := s.CreateTask(ctx, "step two", store.CreateTaskOptions{EpicID: epic.ID}); err != nil {
		t.Fatalf("create task two: %v", err)
	}

	progress, err := s.GetEpicProgress(ctx, epic.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if progress.Total != 2 {
		t.Fatalf("expected 2 total tasks, got %d", progress.Total)
	}
	if progress.Completed != 1 {
		t.Fatalf("expected 1 completed task, got %d", progress.Completed)
	}
}

func TestAssignTaskToEpic_ClearsWithEmptyID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	epic, err := s.CreateEpic(ctx, "cleanup", "tech debt", store.CreateEpicOptions{})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	task, err := s.CreateTask(ctx, "loose task", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	assigned, err := s.AssignTaskToEpic(ctx, task.ID, epic.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.EpicID != epic.ID {
		t.Fatalf("expected epic id set, got %q", assigned.EpicID)
	}
	cleared, err := s.AssignTaskToEpic(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.EpicID != "" {
		t.Fatalf("expected epic id cleared, got %q", cleared.EpicID)
	}
}

func TestDeleteEpic_OrphansMemberTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	epic, err := s.CreateEpic(ctx, "short-lived", "goal", store.CreateEpicOptions{})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	task, err := s.CreateTask(ctx, "member", store.CreateTaskOptions{EpicID: epic.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.DeleteEpic(ctx, epic.ID); err != nil {
		t.Fatalf("delete epic: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.EpicID != "" {
		t.Fatalf("expected orphaned task to have no epic, got %q", got.EpicID)
	}
}
