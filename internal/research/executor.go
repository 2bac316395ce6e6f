package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quintrel/researchd/internal/metrics"
)

// TaskRunner executes a single task against the external specialist-agent
// service. Implementations live outside the engine; see internal/agents.
type TaskRunner interface {
	Run(ctx context.Context, task PlanTask) (output string, artifacts []Artifact, err error)
}

// Executor runs one level of tasks. Every returned task has output and an
// end timestamp, whether it succeeded or failed.
type Executor interface {
	Execute(ctx context.Context, level []PlanTask) ([]PlanTask, error)
}

// ParallelExecutor fans a level out across the runner with a bounded
// concurrency and no completion-order guarantee. A task failure becomes
// that task's output; it never aborts its siblings.
type ParallelExecutor struct {
	runner        TaskRunner
	maxConcurrent int
	now           func() time.Time
	log           *slog.Logger
}

func NewParallelExecutor(runner TaskRunner, maxConcurrent int, log *slog.Logger) *ParallelExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &ParallelExecutor{
		runner:        runner,
		maxConcurrent: maxConcurrent,
		now:           func() time.Time { return time.Now().UTC() },
		log:           log,
	}
}

func (e *ParallelExecutor) Execute(ctx context.Context, level []PlanTask) ([]PlanTask, error) {
	if e.runner == nil {
		return nil, fmt.Errorf("executor requires a task runner")
	}
	if len(level) == 0 {
		return nil, nil
	}

	results := make([]PlanTask, len(level))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.maxConcurrent)
	for i, task := range level {
		i, task := i, task
		group.Go(func() error {
			task.Start = e.now()
			output, artifacts, err := e.runner.Run(groupCtx, task)
			task.End = e.now()
			if err != nil {
				// Sibling isolation: the failure is recorded on the task,
				// not propagated through the group.
				task.Output = fmt.Sprintf("task failed: %v", err)
				e.log.Warn("task failed", "task", task.ID, "error", err)
			} else {
				task.Output = output
				task.Artifacts = artifacts
			}
			metrics.TasksExecuted.WithLabelValues(string(task.Type)).Inc()
			results[i] = task
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
