package bus

import "testing"

func TestTopicConstants_AllNonEmpty(t *testing.T) {
	topics := []string{
		TopicTaskCreated, TopicTaskStateChanged, TopicTaskOffered, TopicTaskAccepted,
		TopicTaskRejected, TopicTaskProgress, TopicTaskCompleted, TopicTaskFailed, TopicTaskCancelled,
		TopicAgentRegistered, TopicAgentStatusChange, TopicAgentRemoved,
		TopicChannelCreated, TopicChannelMessage, TopicChannelMention,
		TopicServiceRegistered, TopicServiceStatusChange, TopicServiceRemoved,
		TopicScheduleCreated, TopicScheduleFired, TopicScheduleDisabled,
		TopicEpicCreated, TopicEpicStatusChange,
		TopicInboxMessageReceived, TopicDelegationCreated,
	}
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("found empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic value: %s", topic)
		}
		seen[topic] = true
	}
}

func TestTaskStateChangedEvent_Fields(t *testing.T) {
	ev := TaskStateChangedEvent{
		TaskID:    "task-1",
		OldStatus: "pooled",
		NewStatus: "offered",
		AgentID:   "agent-a",
	}
	if ev.TaskID == "" || ev.OldStatus == "" || ev.NewStatus == "" || ev.AgentID == "" {
		t.Fatalf("expected all fields populated, got %#v", ev)
	}
}

func TestServiceStatusChangedEvent_Fields(t *testing.T) {
	ev := ServiceStatusChangedEvent{
		ServiceID: "svc-1",
		AgentID:   "agent-a",
		OldStatus: "healthy",
		NewStatus: "degraded",
	}
	if ev.OldStatus == ev.NewStatus {
		t.Fatal("expected old and new status to differ in this fixture")
	}
}

func TestScheduleFiredEvent_Fields(t *testing.T) {
	ev := ScheduleFiredEvent{
		ScheduleID: "sched-1",
		TaskID:     "task-2",
		FiredAt:    "2026-08-01T00:00:00Z",
	}
	if ev.ScheduleID == "" || ev.TaskID == "" || ev.FiredAt == "" {
		t.Fatalf("expected all fields populated, got %#v", ev)
	}
}

func TestDelegationCreatedEvent_Fields(t *testing.T) {
	ev := DelegationCreatedEvent{
		InboxMessageID: "inbox-1",
		TaskID:         "task-3",
		AgentID:        "agent-b",
	}
	if ev.InboxMessageID == "" || ev.TaskID == "" || ev.AgentID == "" {
		t.Fatalf("expected all fields populated, got %#v", ev)
	}
}
