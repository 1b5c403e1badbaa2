package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InitTask is one named startup step. Tasks run concurrently under a shared
// deadline; each failure is logged against its name so a single slow or broken
// component never hides the others.
type InitTask struct {
	Name string
	Fn   func(ctx context.Context) error
}

type initResult struct {
	name string
	err  error
}

// runStartup executes all tasks concurrently with a bounded timeout and
// returns the first failure, after every task has reported.
func runStartup(ctx context.Context, timeout time.Duration, tasks []InitTask) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan initResult, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(t InitTask) {
			defer wg.Done()
			start := time.Now()
			err := t.Fn(ctx)
			if err != nil {
				slog.Error("startup task failed", "task", t.Name, "error", err)
			} else {
				slog.Info("startup task complete", "task", t.Name, "took", time.Since(start))
			}
			results <- initResult{name: t.Name, err: err}
		}(task)
	}
	wg.Wait()
	close(results)

	var firstErr error
	for res := range results {
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("startup task %s: %w", res.name, res.err)
		}
	}
	return firstErr
}
