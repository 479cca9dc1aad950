package obs

import "go.opentelemetry.io/otel/metric"

// Metrics holds every TaskBrew metric instrument: queue depth, claim
// latency, task duration, and related counters.
type Metrics struct {
	QueueDepth      metric.Int64UpDownCounter
	ClaimLatency    metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRetried    metric.Int64Counter
	ActiveInstances metric.Int64UpDownCounter
	AutoScaleEvents metric.Int64Counter
	APIRequestCount metric.Int64Counter
	APIRejectCount  metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("taskbrew.queue.depth",
		metric.WithDescription("Pending tasks waiting to be claimed"))
	if err != nil {
		return nil, err
	}

	m.ClaimLatency, err = meter.Float64Histogram("taskbrew.claim.latency",
		metric.WithDescription("Seconds between task creation and claim"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskbrew.task.duration",
		metric.WithDescription("Seconds between task claim and terminal status"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskbrew.task.completed",
		metric.WithDescription("Total tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskbrew.task.failed",
		metric.WithDescription("Total tasks that exhausted retries"))
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("taskbrew.task.retried",
		metric.WithDescription("Total task retry attempts"))
	if err != nil {
		return nil, err
	}

	m.ActiveInstances, err = meter.Int64UpDownCounter("taskbrew.instance.active",
		metric.WithDescription("Currently registered agent instances"))
	if err != nil {
		return nil, err
	}

	m.AutoScaleEvents, err = meter.Int64Counter("taskbrew.autoscale.events",
		metric.WithDescription("Scale-up and scale-down decisions"))
	if err != nil {
		return nil, err
	}

	m.APIRequestCount, err = meter.Int64Counter("taskbrew.api.requests",
		metric.WithDescription("Total gateway HTTP requests"))
	if err != nil {
		return nil, err
	}

	m.APIRejectCount, err = meter.Int64Counter("taskbrew.api.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
