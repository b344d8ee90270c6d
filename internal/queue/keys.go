package queue

import (
	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// keys pre-computes every Redis key the queue manager touches so the hot
// paths do no string concatenation
type keys struct {
	prefix string

	// byPriority holds the four priority queue lists
	byPriority map[job.Priority]string
	// processing holds ids currently held by a worker
	processing string
	// deadLetter holds ids that exhausted their retries
	deadLetter string
	// scheduled is the retry ZSET scored by next-attempt time
	scheduled string
	// finished and failed are terminal registries scored by end time,
	// swept by the retention pass
	finished string
	failed   string
}

func newKeys(prefix string) *keys {
	byPriority := make(map[job.Priority]string, 4)
	for _, p := range job.AllPriorities() {
		byPriority[p] = config.QueueName(prefix, p)
	}
	return &keys{
		prefix:     prefix,
		byPriority: byPriority,
		processing: prefix + "processing",
		deadLetter: prefix + "dead",
		scheduled:  prefix + "scheduled",
		finished:   prefix + "finished",
		failed:     prefix + "failed",
	}
}

// queue returns the list key for a priority
func (k *keys) queue(p job.Priority) string {
	if key, ok := k.byPriority[p]; ok {
		return key
	}
	return k.byPriority[job.PriorityNormal]
}

// payload returns the key holding the serialized job
func (k *keys) payload(jobID string) string {
	return k.prefix + "job:" + jobID
}
