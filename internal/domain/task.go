package domain

import (
	"encoding/json"
	"time"
)

// TaskEnvelope is the unit of work carried by a durable stream. Payload is
// opaque to the dispatcher; handlers own its schema.
type TaskEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DeadLetter is the record written to <stream>:dlq when a task exhausts its
// retries or cannot be dispatched at all.
type DeadLetter struct {
	OriginalTaskID string `json:"original_task_id"`
	TaskType       string `json:"task_type"`
	TaskData       string `json:"task_data"`
	FailureReason  string `json:"failure_reason"`
	FailedAt       string `json:"failed_at"`
	RetryCount     int    `json:"retry_count"`
}

// WorkerStatus values reported through heartbeats.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
)

// WorkerMetrics is one heartbeat sample from a worker process.
type WorkerMetrics struct {
	WorkerID       string       `json:"worker_id"`
	CPUPercent     float64      `json:"cpu_percent"`
	MemoryPercent  float64      `json:"memory_percent"`
	TasksProcessed int64        `json:"tasks_processed"`
	TasksFailed    int64        `json:"tasks_failed"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	Status         WorkerStatus `json:"status"`
}

// ScalingEvent is appended to the scaling_events stream for every scaler
// action.
type ScalingEvent struct {
	EventType    string    `json:"event_type"`
	NumWorkers   int       `json:"num_workers"`
	TotalWorkers int       `json:"total_workers"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthState of a monitored service.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// HealthStatus is the cached result of one health check run.
type HealthStatus struct {
	ServiceID        string      `json:"service_id"`
	State            HealthState `json:"state"`
	LatencySeconds   float64     `json:"latency_seconds"`
	Err              string      `json:"error,omitempty"`
	ConsecutiveFails int         `json:"consecutive_fails"`
	CheckedAt        time.Time   `json:"checked_at"`
}
