package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	TasksCreated      metric.Int64Counter
	TasksClaimed      metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	TasksFinished     metric.Int64Counter
	ActiveTasks       metric.Int64UpDownCounter
	SchedulesFired    metric.Int64Counter
	FollowupsCreated  metric.Int64Counter
	BusEventsDropped  metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("goclaw.request.duration",
		metric.WithDescription("HTTP read-surface request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("goclaw.tasks.created",
		metric.WithDescription("Tasks created, by initial status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("goclaw.tasks.claimed",
		metric.WithDescription("Successful claims of a pool task"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("goclaw.tasks.claim_conflicts",
		metric.WithDescription("Claims that lost the race on an unassigned task"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("goclaw.tasks.finished",
		metric.WithDescription("Tasks reaching a terminal status, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("goclaw.tasks.active",
		metric.WithDescription("Tasks currently occupying agent capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulesFired, err = meter.Int64Counter("goclaw.schedules.fired",
		metric.WithDescription("Scheduled task materializations"),
	)
	if err != nil {
		return nil, err
	}

	m.FollowupsCreated, err = meter.Int64Counter("goclaw.followups.created",
		metric.WithDescription("Lead follow-up summary tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.BusEventsDropped, err = meter.Int64Counter("goclaw.bus.dropped",
		metric.WithDescription("Bus events dropped due to a full subscriber buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("goclaw.ratelimit.rejects",
		metric.WithDescription("HTTP requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
