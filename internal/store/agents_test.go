package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func TestJoin_CreatesIdleAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, err := s.Join(ctx, "alice", store.JoinOptions{Role: "backend", MaxTasks: 3})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if agent.Status != store.AgentIdle {
		t.Fatalf("expected idle status, got %s", agent.Status)
	}
	if agent.MaxTasks != 3 {
		t.Fatalf("expected max_tasks=3, got %d", agent.MaxTasks)
	}
}

func TestJoin_RejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Join(ctx, "bob", store.JoinOptions{}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := s.Join(ctx, "bob", store.JoinOptions{}); !errors.Is(err, store.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestJoin_RejectsSecondLead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Join(ctx, "lead-one", store.JoinOptions{IsLead: true}); err != nil {
		t.Fatalf("first lead join: %v", err)
	}
	if _, err := s.Join(ctx, "lead-two", store.JoinOptions{IsLead: true}); !errors.Is(err, store.ErrLeadExists) {
		t.Fatalf("expected ErrLeadExists, got %v", err)
	}
}

func TestGetLead_ReturnsTheSingleLead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Join(ctx, "worker", store.JoinOptions{}); err != nil {
		t.Fatalf("join worker: %v", err)
	}
	if _, err := s.Join(ctx, "lead", store.JoinOptions{IsLead: true}); err != nil {
		t.Fatalf("join lead: %v", err)
	}

	lead, err := s.GetLead(ctx)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if lead.Name != "lead" {
		t.Fatalf("expected lead named 'lead', got %q", lead.Name)
	}
}

func TestUpdateAgentStatus_PersistsValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, err := s.Join(ctx, "carol", store.JoinOptions{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.UpdateAgentStatus(ctx, agent.ID, store.AgentOffline); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != store.AgentOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
}

func TestHasCapacity_ReflectsActiveTaskCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, err := s.Join(ctx, "dave", store.JoinOptions{MaxTasks: 1})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	ok, err := s.HasCapacity(ctx, agent.ID)
	if err != nil {
		t.Fatalf("has capacity: %v", err)
	}
	if !ok {
		t.Fatalf("expected capacity with no tasks assigned")
	}

	if _, err := s.CreateTask(ctx, "do the thing", store.CreateTaskOptions{AgentID: agent.ID}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	ok, err = s.HasCapacity(ctx, agent.ID)
	if err != nil {
		t.Fatalf("has capacity after assign: %v", err)
	}
	if ok {
		t.Fatalf("expected no capacity once at max_tasks")
	}

	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != store.AgentBusy {
		t.Fatalf("expected busy status after assignment, got %s", got.Status)
	}
}

func TestUpdateProfile_PartialUpdateLeavesOtherFieldsAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, err := s.Join(ctx, "erin", store.JoinOptions{Role: "frontend", Description: "ships UI"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	newRole := "fullstack"
	got, err := s.UpdateProfile(ctx, agent.ID, store.ProfileUpdate{Role: &newRole})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if got.Role != "fullstack" {
		t.Fatalf("expected updated role, got %q", got.Role)
	}
	if got.Description != "ships UI" {
		t.Fatalf("expected description to remain unchanged, got %q", got.Description)
	}
}

func TestDeleteAgent_RemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, err := s.Join(ctx, "frank", store.JoinOptions{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := s.GetAgent(ctx, agent.ID); !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}
