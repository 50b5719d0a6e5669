// Package followup materializes a summary task for the lead whenever a
// worker's task reaches a terminal state. It reacts to bus events rather
// than running inside the transaction that finished the task: the primary
// mutation must never block on, or roll back because of, this notification.
package followup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/store"
)

const (
	descriptionExcerptLen = 200
	outputExcerptLen      = 500
)

// Runner subscribes to task lifecycle events and, on every terminal
// transition of a task assigned to a worker, creates a system-sourced task
// addressed to the lead summarizing the outcome.
type Runner struct {
	bus    *bus.Bus
	store  *store.Store
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. logger may be nil, in which case slog.Default is used.
func New(eventBus *bus.Bus, store *store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{bus: eventBus, store: store, logger: logger}
}

// Start begins the subscriber loop in a background goroutine. It respects
// ctx for shutdown.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.bus.Subscribe("task.")
	r.wg.Add(1)
	go r.loop(ctx, sub)
	r.logger.Info("followup runner started")
}

// Stop cancels the subscriber loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("followup runner stopped")
}

func (r *Runner) loop(ctx context.Context, sub *bus.Subscription) {
	defer r.wg.Done()
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !isTerminalTopic(event.Topic) {
				continue
			}
			r.handle(ctx, event)
		}
	}
}

func isTerminalTopic(topic string) bool {
	switch topic {
	case bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskCancelled:
		return true
	default:
		return false
	}
}

// handle builds and files the follow-up task for one terminal transition.
// Every failure here is logged and swallowed: a follow-up task is a
// best-effort courtesy to the lead, not part of the worker's contract.
func (r *Runner) handle(ctx context.Context, event bus.Event) {
	change, ok := event.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		return
	}
	if change.AgentID == "" {
		return // task was never assigned to a worker; nothing to summarize
	}

	lead, err := r.store.GetLead(ctx)
	if err != nil {
		r.logger.Warn("followup: no lead to notify", "task_id", change.TaskID, "error", err)
		return
	}
	if change.AgentID == lead.ID {
		return // the lead finished its own task; no one to report back to
	}

	task, err := r.store.GetTask(ctx, change.TaskID)
	if err != nil {
		r.logger.Error("followup: failed to load finished task", "task_id", change.TaskID, "error", err)
		return
	}
	if task.Source == store.SourceSystem {
		return // don't chain follow-ups off follow-ups
	}

	worker, err := r.store.GetAgent(ctx, change.AgentID)
	if err != nil {
		r.logger.Error("followup: failed to load worker", "agent_id", change.AgentID, "error", err)
		return
	}

	body := fmt.Sprintf("%s %s %q: %s", worker.Name, outcomeVerb(change.NewStatus), truncate(task.Task, descriptionExcerptLen), truncate(outcomeExcerpt(task), outputExcerptLen))

	if _, err := r.store.CreateTask(ctx, body, store.CreateTaskOptions{
		Source:         store.SourceSystem,
		AgentID:        lead.ID,
		CreatorAgentID: lead.ID,
		External:       task.External,
	}); err != nil {
		r.logger.Error("followup: failed to create summary task", "task_id", change.TaskID, "error", err)
	}
}

func outcomeVerb(status string) string {
	switch store.TaskStatus(status) {
	case store.TaskCompleted:
		return "completed task"
	case store.TaskFailed:
		return "failed task"
	case store.TaskCancelled:
		return "had task cancelled"
	default:
		return "finished task"
	}
}

func outcomeExcerpt(task store.Task) string {
	if task.FailureReason != "" {
		return task.FailureReason
	}
	return task.Output
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
