// Package vectorsync removes vectors a sync run did not refresh.
package vectorsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// VectorDeleter deletes a source's vectors older than a cut-off.
type VectorDeleter interface {
	DeleteStale(ctx context.Context, dataSourceID string, before time.Time) ([]string, error)
}

// Unlinker drops join rows between a data source and vectors.
type Unlinker interface {
	UnlinkVectors(ctx context.Context, dataSourceID string, vectorIDs []string) error
}

type Pruner struct {
	vectors VectorDeleter
	links   Unlinker
	logger  *slog.Logger
}

func NewPruner(vectors VectorDeleter, links Unlinker, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{vectors: vectors, links: links, logger: logger}
}

// Prune deletes every vector of dataSourceID whose index date is before
// syncStart, then their join rows. It returns the number of vectors removed.
func (p *Pruner) Prune(ctx context.Context, dataSourceID string, syncStart time.Time) (int, error) {
	ids, err := p.vectors.DeleteStale(ctx, dataSourceID, syncStart)
	if err != nil {
		return 0, fmt.Errorf("pruning vectors of %s: %w", dataSourceID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := p.links.UnlinkVectors(ctx, dataSourceID, ids); err != nil {
		return len(ids), fmt.Errorf("unlinking pruned vectors of %s: %w", dataSourceID, err)
	}
	p.logger.Info("pruned stale vectors", "data_source_id", dataSourceID, "count", len(ids))
	return len(ids), nil
}
