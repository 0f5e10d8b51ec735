package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the Engine is reachable and the embedding model is
// available. A missing model is pulled with progress written to w.
func EnsureReady(ctx context.Context, e Engine, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("embedding engine is not running; start it with: ollama serve")
	}
	if embedModel == "" {
		return fmt.Errorf("no embedding model configured")
	}

	if e.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "model %s: ready\n", embedModel)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", embedModel)
	err := e.PullModel(ctx, embedModel, func(p PullProgress) {
		if p.Total > 0 {
			pct := float64(p.Completed) / float64(p.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", embedModel, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", embedModel)
	return nil
}
