package caption

import (
	"context"
	"encoding/json"
	"time"
)

// simulatedSteps is the fixed pipeline the simulator walks through
var simulatedSteps = []string{
	"Fetching posts without alt text",
	"Downloading media",
	"Generating captions",
	"Reviewing generated captions",
	"Saving captions",
}

// Simulator is a stand-in adapter for development and load testing: it
// walks a fixed set of steps with a configurable delay and returns a
// summary blob. Deployments register their real platform adapter
// instead.
type Simulator struct {
	stepDelay time.Duration
}

// NewSimulator creates the simulator with the given per-step delay
func NewSimulator(stepDelay time.Duration) *Simulator {
	return &Simulator{stepDelay: stepDelay}
}

// GenerateCaptions walks the simulated steps, honoring cancellation
// between steps
func (s *Simulator) GenerateCaptions(ctx context.Context, task *Task, report ProgressFunc) (json.RawMessage, error) {
	total := len(simulatedSteps)
	for i, step := range simulatedSteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.stepDelay):
		}
		report(step, (i+1)*100/total, nil)
	}

	summary := map[string]interface{}{
		"job_id":             task.JobID,
		"captions_generated": total,
		"simulated":          true,
	}
	data, err := json.Marshal(summary)
	return json.RawMessage(data), err
}
