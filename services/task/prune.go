package task

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"gtf/pkg/config"
)

// Pruner deletes terminal tasks whose ended_at fell past the retention
// window. Rows without ended_at are never touched.
type Pruner struct {
	store *Store
	cfg   config.Tasks
}

func NewPruner(store *Store, cfg *config.Config) *Pruner {
	return &Pruner{store: store, cfg: cfg.Tasks}
}

// StartPruner dipanggil otomatis oleh FX saat service start
func StartPruner(lc fx.Lifecycle, p *Pruner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go p.run(context.Background())
			return nil
		},
	})
}

func (p *Pruner) run(ctx context.Context) {
	if p.cfg.RetentionDays <= 0 {
		zap.L().Info("[Pruner] retention disabled, pruner not started")
		return
	}
	zap.L().Info("[Pruner] started task retention pruner",
		zap.Int("retention_days", p.cfg.RetentionDays))

	for {
		now := time.Now()
		next := nextRunTime(now, 2, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Pruner] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			if _, err := p.Prune(ctx); err != nil {
				zap.L().Error("[Pruner] prune run failed", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Pruner] stopped")
			return
		}
	}
}

// Prune runs one retention pass and returns the number of deleted rows.
// Candidates are collected up front and deleted oldest-first in batches, so
// an interrupted pass leaves the newest rows intact.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := start.AddDate(0, 0, -p.cfg.RetentionDays)

	ids, err := p.store.PruneCandidateIDs(ctx, cutoff, p.cfg.PruneMaxRows)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		zap.L().Info("[Pruner] nothing to prune", zap.Time("cutoff", cutoff))
		return 0, nil
	}

	var deleted int64
	logEvery := len(ids) / 100
	if logEvery < pruneBatchSize {
		logEvery = pruneBatchSize
	}
	lastLogged := 0
	for off := 0; off < len(ids); off += pruneBatchSize {
		end := off + pruneBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		n, err := p.store.DeleteBatch(ctx, ids[off:end])
		if err != nil {
			return deleted, err
		}
		deleted += n
		pruneDeleted.Add(float64(n))

		if end-lastLogged >= logEvery {
			lastLogged = end
			zap.L().Info("[Pruner] prune progress",
				zap.Int("processed", end),
				zap.Int("total", len(ids)))
		}
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
	}

	zap.L().Info("[Pruner] finished prune run",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.Duration("duration", time.Since(start)),
	)
	return deleted, nil
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
