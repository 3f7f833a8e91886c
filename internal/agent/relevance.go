package agent

import (
	"math"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// RelevanceScorer rates in [0,1] how relevant an agent's past work is to a
// new task
type RelevanceScorer interface {
	Score(task model.Task, history []model.ContextEntry) float64
}

// RelevanceFunc adapts a function to RelevanceScorer
type RelevanceFunc func(task model.Task, history []model.ContextEntry) float64

// Score implements RelevanceScorer
func (f RelevanceFunc) Score(task model.Task, history []model.ContextEntry) float64 {
	return f(task, history)
}

// FrequencyScorer starts at 0.5 and adds 0.1 for every history entry of the
// same task type, up to 1.
var FrequencyScorer = RelevanceFunc(func(task model.Task, history []model.ContextEntry) float64 {
	count := 0
	for _, entry := range history {
		if entry.TaskType == task.Type {
			count++
		}
	}
	return math.Min(1, 0.5+0.1*float64(count))
})
