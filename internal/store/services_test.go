package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func TestUpsertService_InsertThenReplacePreservesID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "alice", store.JoinOptions{})

	first, err := s.UpsertService(ctx, agent.ID, "web", store.UpsertServiceOptions{Port: 8080})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.UpsertService(ctx, agent.ID, "web", store.UpsertServiceOptions{Port: 9090})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected identity preserved across replace, got %q vs %q", first.ID, second.ID)
	}
	if second.Port != 9090 {
		t.Fatalf("expected updated port, got %d", second.Port)
	}
}

func TestUpsertService_DefaultsHealthCheckPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "bob", store.JoinOptions{})

	svc, err := s.UpsertService(ctx, agent.ID, "api", store.UpsertServiceOptions{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if svc.HealthCheckPath != "/health" {
		t.Fatalf("expected default health check path, got %q", svc.HealthCheckPath)
	}
	if svc.Status != store.ServiceStarting {
		t.Fatalf("expected starting status on create, got %s", svc.Status)
	}
}

func TestUpdateServiceStatus_NoEventOnUnchangedValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "carol", store.JoinOptions{})
	svc, err := s.UpsertService(ctx, agent.ID, "worker", store.UpsertServiceOptions{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := s.UpdateServiceStatus(ctx, svc.ID, store.ServiceHealthy); err != nil {
		t.Fatalf("update to healthy: %v", err)
	}
	before, err := s.ListEvents(ctx, "service_status_change", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if _, err := s.UpdateServiceStatus(ctx, svc.ID, store.ServiceHealthy); err != nil {
		t.Fatalf("update to same status again: %v", err)
	}
	after, err := s.ListEvents(ctx, "service_status_change", 10)
	if err != nil {
		t.Fatalf("list events after no-op: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected no new event for unchanged status, before=%d after=%d", len(before), len(after))
	}
}

func TestUnregisterService_RequiresOwnership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := mustJoin(t, s, "dave", store.JoinOptions{})
	other := mustJoin(t, s, "erin", store.JoinOptions{})
	svc, err := s.UpsertService(ctx, owner.ID, "db", store.UpsertServiceOptions{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UnregisterService(ctx, svc.ID, other.ID); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := s.UnregisterService(ctx, svc.ID, owner.ID); err != nil {
		t.Fatalf("unregister by owner: %v", err)
	}
}

func TestListServices_FiltersByStatusAndDenormalizesAgentName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "frank", store.JoinOptions{})
	svc, err := s.UpsertService(ctx, agent.ID, "cache", store.UpsertServiceOptions{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpdateServiceStatus(ctx, svc.ID, store.ServiceHealthy); err != nil {
		t.Fatalf("update status: %v", err)
	}

	healthy, err := s.ListServices(ctx, store.ListServicesFilter{Status: store.ServiceHealthy})
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(healthy) != 1 || healthy[0].AgentName != "frank" {
		t.Fatalf("unexpected list result: %+v", healthy)
	}

	unhealthy, err := s.ListServices(ctx, store.ListServicesFilter{Status: store.ServiceUnhealthy})
	if err != nil {
		t.Fatalf("list unhealthy: %v", err)
	}
	if len(unhealthy) != 0 {
		t.Fatalf("expected 0 unhealthy services, got %d", len(unhealthy))
	}
}
