package config

import (
	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// WorkerMode defines how job execution capacity is provided
type WorkerMode string

const (
	// WorkerModeIntegrated runs workers as goroutines inside the host
	// process
	WorkerModeIntegrated WorkerMode = "integrated"
	// WorkerModeExternal runs workers as detached OS processes executing
	// the RQ worker CLI
	WorkerModeExternal WorkerMode = "external"
	// WorkerModeHybrid runs both: integrated workers for the high
	// priorities and external processes for the bulk queues
	WorkerModeHybrid WorkerMode = "hybrid"
)

// WorkerGroup describes a set of identical workers bound to an ordered
// queue list, highest priority first
type WorkerGroup struct {
	// Queues is the ordered priority list each worker in the group polls
	Queues []job.Priority
	// Count is how many workers to run with this binding
	Count int
}

// DefaultWorkerGroups sizes the integrated worker layout from the
// RQ_WORKER_COUNT hint: one worker dedicated to the urgent/high lanes,
// the rest sharing normal/low. A single-worker deployment polls all four.
func DefaultWorkerGroups(count int) []WorkerGroup {
	if count <= 1 {
		return []WorkerGroup{
			{Queues: job.AllPriorities(), Count: 1},
		}
	}
	return []WorkerGroup{
		{Queues: []job.Priority{job.PriorityUrgent, job.PriorityHigh}, Count: 1},
		{Queues: []job.Priority{job.PriorityNormal, job.PriorityLow}, Count: count - 1},
	}
}
