package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func TestReceiveInboxMessage_ThenListUndelegated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lead := mustJoin(t, s, "lead", store.JoinOptions{IsLead: true})

	if _, err := s.ReceiveInboxMessage(ctx, lead.ID, "customer wants a refund", store.ReceiveInboxOptions{
		SlackChannelID: "C123", SlackThreadTS: "1.1", SlackUserID: "U1",
	}); err != nil {
		t.Fatalf("receive inbox message: %v", err)
	}
	msgs, err := s.ListInbox(ctx, lead.ID, store.ListInboxOptions{UndelegatedOnly: true})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 undelegated message, got %d", len(msgs))
	}
}

func TestDelegate_AssignsTaskWithExternalContextAndMarksConsumed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lead := mustJoin(t, s, "lead", store.JoinOptions{IsLead: true})
	worker := mustJoin(t, s, "worker", store.JoinOptions{})

	msg, err := s.ReceiveInboxMessage(ctx, lead.ID, "please handle the outage", store.ReceiveInboxOptions{
		SlackChannelID: "C999", SlackThreadTS: "9.9", SlackUserID: "U9",
	})
	if err != nil {
		t.Fatalf("receive inbox message: %v", err)
	}

	task, err := s.Delegate(ctx, msg.ID, worker.ID, "triage the outage", store.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if task.AgentID != worker.ID {
		t.Fatalf("expected task assigned to delegate, got %q", task.AgentID)
	}
	if task.External.ChannelID != "C999" || task.External.ThreadRef != "9.9" || task.External.UserID != "U9" {
		t.Fatalf("expected external context carried forward, got %+v", task.External)
	}

	got, err := s.GetInboxMessage(ctx, msg.ID, lead.ID)
	if err != nil {
		t.Fatalf("get inbox message: %v", err)
	}
	if got.DelegatedTaskID != task.ID {
		t.Fatalf("expected delegated_task_id set, got %q", got.DelegatedTaskID)
	}

	if _, err := s.Delegate(ctx, msg.ID, worker.ID, "again", store.CreateTaskOptions{}); !errors.Is(err, store.ErrAlreadyDelegated) {
		t.Fatalf("expected ErrAlreadyDelegated on re-delegation, got %v", err)
	}
}

func TestDelegate_RejectsDelegatingToAnotherLead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lead := mustJoin(t, s, "lead", store.JoinOptions{IsLead: true})

	msg, err := s.ReceiveInboxMessage(ctx, lead.ID, "something", store.ReceiveInboxOptions{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := s.Delegate(ctx, msg.ID, lead.ID, "delegate to self", store.CreateTaskOptions{}); !errors.Is(err, store.ErrDelegateToLead) {
		t.Fatalf("expected ErrDelegateToLead, got %v", err)
	}
}

func TestGetInboxMessage_RestrictedToOwningLead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lead := mustJoin(t, s, "lead", store.JoinOptions{IsLead: true})
	other := mustJoin(t, s, "other", store.JoinOptions{})

	msg, err := s.ReceiveInboxMessage(ctx, lead.ID, "confidential", store.ReceiveInboxOptions{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := s.GetInboxMessage(ctx, msg.ID, other.ID); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestGetInboxSummary_AggregatesCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lead := mustJoin(t, s, "lead", store.JoinOptions{IsLead: true})

	if _, err := s.ReceiveInboxMessage(ctx, lead.ID, "triage me", store.ReceiveInboxOptions{}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := s.CreateTask(ctx, "needs a claimer", store.CreateTaskOptions{}); err != nil {
		t.Fatalf("create unassigned task: %v", err)
	}
	if _, err := s.CreateTask(ctx, "offered to lead", store.CreateTaskOptions{OfferedTo: lead.ID}); err != nil {
		t.Fatalf("create offered task: %v", err)
	}

	summary, err := s.GetInboxSummary(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get inbox summary: %v", err)
	}
	if summary.UndelegatedInbox != 1 {
		t.Fatalf("expected 1 undelegated inbox message, got %d", summary.UndelegatedInbox)
	}
	if summary.UnassignedTasks != 1 {
		t.Fatalf("expected 1 unassigned task, got %d", summary.UnassignedTasks)
	}
	if summary.OfferedTasks != 1 {
		t.Fatalf("expected 1 offered task, got %d", summary.OfferedTasks)
	}
}

func TestGetInboxSummary_CountsUnreadChannelMessagesExcludingOwnPosts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lead := mustJoin(t, s, "lead", store.JoinOptions{IsLead: true})
	other := mustJoin(t, s, "other", store.JoinOptions{})

	channel, err := s.CreateChannel(ctx, "general", store.CreateChannelOptions{})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := s.PostMessage(ctx, channel.ID, lead.ID, "my own post", store.PostMessageOptions{}); err != nil {
		t.Fatalf("post own message: %v", err)
	}
	if _, err := s.PostMessage(ctx, channel.ID, other.ID, "unread to lead", store.PostMessageOptions{}); err != nil {
		t.Fatalf("post other message: %v", err)
	}

	summary, err := s.GetInboxSummary(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get inbox summary: %v", err)
	}
	if summary.UnreadChannelMessages != 1 {
		t.Fatalf("expected 1 unread channel message excluding own posts, got %d", summary.UnreadChannelMessages)
	}

	if err := s.UpdateReadState(ctx, lead.ID, channel.ID); err != nil {
		t.Fatalf("update read state: %v", err)
	}
	summary, err = s.GetInboxSummary(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get inbox summary after read: %v", err)
	}
	if summary.UnreadChannelMessages != 0 {
		t.Fatalf("expected 0 unread channel messages after marking read, got %d", summary.UnreadChannelMessages)
	}
}
