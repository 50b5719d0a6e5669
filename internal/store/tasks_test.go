package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func mustJoin(t *testing.T, s *store.Store, name string, opts store.JoinOptions) store.Agent {
	t.Helper()
	a, err := s.Join(context.Background(), name, opts)
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return a
}

func TestCreateTask_DefaultsToUnassigned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "write docs", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskUnassigned {
		t.Fatalf("expected unassigned, got %s", task.Status)
	}
}

func TestCreateTask_WithAgentIDStartsPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "alice", store.JoinOptions{})

	task, err := s.CreateTask(ctx, "fix bug", store.CreateTaskOptions{AgentID: agent.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
}

func TestCreateTask_OfferedToStartsOffered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "bob", store.JoinOptions{})

	task, err := s.CreateTask(ctx, "review PR", store.CreateTaskOptions{OfferedTo: agent.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskOffered {
		t.Fatalf("expected offered, got %s", task.Status)
	}
}

func TestCreateTask_SessionAffinityRoutesToParentAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "carol", store.JoinOptions{MaxTasks: 5})

	parent, err := s.CreateTask(ctx, "epic root", store.CreateTaskOptions{AgentID: agent.ID})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := s.CreateTask(ctx, "follow-up", store.CreateTaskOptions{ParentTaskID: parent.ID})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.AgentID != agent.ID {
		t.Fatalf("expected child routed to parent's agent, got %q", child.AgentID)
	}
	if child.Status != store.TaskPending {
		t.Fatalf("expected pending via affinity, got %s", child.Status)
	}
}

func TestCreateTask_DirectAssignRejectsWhenAgentAtCapacity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "dana", store.JoinOptions{MaxTasks: 1})

	if _, err := s.CreateTask(ctx, "first", store.CreateTaskOptions{AgentID: agent.ID}); err != nil {
		t.Fatalf("create first task: %v", err)
	}
	if _, err := s.CreateTask(ctx, "second", store.CreateTaskOptions{AgentID: agent.ID}); !errors.Is(err, store.ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestCreateTask_OfferDoesNotCheckCapacity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "erin", store.JoinOptions{MaxTasks: 1})

	if _, err := s.CreateTask(ctx, "first", store.CreateTaskOptions{AgentID: agent.ID}); err != nil {
		t.Fatalf("create first task: %v", err)
	}
	task, err := s.CreateTask(ctx, "offer while busy", store.CreateTaskOptions{OfferedTo: agent.ID})
	if err != nil {
		t.Fatalf("expected offering to a busy agent to succeed, got %v", err)
	}
	if task.Status != store.TaskOffered {
		t.Fatalf("expected offered, got %s", task.Status)
	}
}

func TestCreateTask_EpicTagDerivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	epic, err := s.CreateEpic(ctx, "migration", "move to v2", store.CreateEpicOptions{})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	task, err := s.CreateTask(ctx, "migrate table", store.CreateTaskOptions{EpicID: epic.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	found := false
	for _, tag := range task.Tags {
		if tag == "epic:migration" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected derived epic tag in %v", task.Tags)
	}
}

func TestClaim_ConcurrentRaceHasExactlyOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const racers = 8
	agentIDs := make([]string, racers)
	for i := 0; i < racers; i++ {
		a := mustJoin(t, s, "racer"+string(rune('a'+i)), store.JoinOptions{MaxTasks: 1})
		agentIDs[i] = a.ID
	}
	task, err := s.CreateTask(ctx, "single claimable task", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Claim(ctx, task.ID, agentIDs[i])
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrClaimConflict):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}
}

func TestClaim_BlockedByUnreadyDependency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "dave", store.JoinOptions{})

	dep, err := s.CreateTask(ctx, "prerequisite", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create dep: %v", err)
	}
	task, err := s.CreateTask(ctx, "dependent", store.CreateTaskOptions{DependsOn: []string{dep.ID}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := s.Claim(ctx, task.ID, agent.ID); !errors.Is(err, store.ErrDependenciesNotReady) {
		t.Fatalf("expected ErrDependenciesNotReady, got %v", err)
	}

	if _, err := s.Claim(ctx, dep.ID, agent.ID); err != nil {
		t.Fatalf("claim dep: %v", err)
	}
	if _, err := s.Start(ctx, dep.ID, agent.ID); err != nil {
		t.Fatalf("start dep: %v", err)
	}
	if _, err := s.Complete(ctx, dep.ID, "done"); err != nil {
		t.Fatalf("complete dep: %v", err)
	}

	if _, err := s.Claim(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("expected claim to succeed once dependency completed: %v", err)
	}
}

func TestClaim_RejectsWhenAgentAtCapacity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "erin", store.JoinOptions{MaxTasks: 1})

	if _, err := s.CreateTask(ctx, "occupies slot", store.CreateTaskOptions{AgentID: agent.ID}); err != nil {
		t.Fatalf("create occupying task: %v", err)
	}
	task, err := s.CreateTask(ctx, "second task", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.Claim(ctx, task.ID, agent.ID); !errors.Is(err, store.ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestAcceptReject_OnlyOfferedAgentMayAct(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	target := mustJoin(t, s, "frank", store.JoinOptions{})
	other := mustJoin(t, s, "gina", store.JoinOptions{})

	task, err := s.CreateTask(ctx, "offered work", store.CreateTaskOptions{OfferedTo: target.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := s.Accept(ctx, task.ID, other.ID); !errors.Is(err, store.ErrOfferConflict) {
		t.Fatalf("expected ErrOfferConflict for wrong agent accept, got %v", err)
	}
	accepted, err := s.Accept(ctx, task.ID, target.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != store.TaskPending {
		t.Fatalf("expected pending after accept, got %s", accepted.Status)
	}
}

func TestReject_ReturnsTaskToPoolWithReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	target := mustJoin(t, s, "hank", store.JoinOptions{})

	task, err := s.CreateTask(ctx, "offered work", store.CreateTaskOptions{OfferedTo: target.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	rejected, err := s.Reject(ctx, task.ID, target.ID, "out of scope")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != store.TaskUnassigned {
		t.Fatalf("expected unassigned after reject, got %s", rejected.Status)
	}
	if rejected.RejectionReason != "out of scope" {
		t.Fatalf("expected rejection reason recorded, got %q", rejected.RejectionReason)
	}
}

func TestLifecycle_ClaimStartCompleteFinishesTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := mustJoin(t, s, "ivan", store.JoinOptions{})

	task, err := s.CreateTask(ctx, "ship feature", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.Claim(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.Start(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := s.Complete(ctx, task.ID, "shipped")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != store.TaskCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.FinishedAt == nil {
		t.Fatalf("expected finished_at to be stamped")
	}
	if !done.Status.IsTerminal() {
		t.Fatalf("expected IsTerminal true for completed")
	}
}

func TestCancel_RestrictedToCreatorOrLead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	creator := mustJoin(t, s, "jill", store.JoinOptions{})
	other := mustJoin(t, s, "kate", store.JoinOptions{})

	task, err := s.CreateTask(ctx, "cancel me", store.CreateTaskOptions{CreatorAgentID: creator.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.Cancel(ctx, task.ID, other.ID, false, "nope"); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	cancelled, err := s.Cancel(ctx, task.ID, creator.ID, false, "no longer needed")
	if err != nil {
		t.Fatalf("cancel by creator: %v", err)
	}
	if cancelled.Status != store.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestToBacklogFromBacklog_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "someday", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	backlogged, err := s.ToBacklog(ctx, task.ID)
	if err != nil {
		t.Fatalf("to backlog: %v", err)
	}
	if backlogged.Status != store.TaskBacklog {
		t.Fatalf("expected backlog, got %s", backlogged.Status)
	}
	restored, err := s.FromBacklog(ctx, task.ID)
	if err != nil {
		t.Fatalf("from backlog: %v", err)
	}
	if restored.Status != store.TaskUnassigned {
		t.Fatalf("expected unassigned after restoring from backlog, got %s", restored.Status)
	}
}

func TestListTasks_ReadyOnlyFiltersDependencyBlocked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dep, err := s.CreateTask(ctx, "prerequisite", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create dep: %v", err)
	}
	if _, err := s.CreateTask(ctx, "blocked", store.CreateTaskOptions{DependsOn: []string{dep.ID}}); err != nil {
		t.Fatalf("create blocked: %v", err)
	}

	all, err := s.ListTasks(ctx, store.ListTasksFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks total, got %d", len(all))
	}

	ready, err := s.ListTasks(ctx, store.ListTasksFilter{ReadyOnly: true})
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != dep.ID {
		t.Fatalf("expected only the dependency-free task, got %+v", ready)
	}
}
