package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// deleteBatchSize matches the largest S3 DeleteObjects request.
const deleteBatchSize = 1000

// DeleteOutcome is the result of deleting one target-only key.
type DeleteOutcome struct {
	Key string
	Err error
}

// deleteStage removes the keys that exist only in the target. It must only
// be called once the delete gate is open. Keys whose transfer failed are
// never deleted.
func (r *run) deleteStage(ctx context.Context) []DeleteOutcome {
	r.mu.Lock()
	keys := make([]string, 0, len(r.deletes))
	for _, k := range r.deletes {
		if !r.failed[k] {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	r.logger.Info("deleting target-only objects", "count", len(keys))

	if bd, ok := r.dst.(storage.BatchDeleter); ok {
		return r.deleteBatches(ctx, bd, keys)
	}
	return r.deleteEach(ctx, keys)
}

func (r *run) deleteBatches(ctx context.Context, bd storage.BatchDeleter, keys []string) []DeleteOutcome {
	outcomes := make([]DeleteOutcome, 0, len(keys))
	for start := 0; start < len(keys); start += deleteBatchSize {
		if ctx.Err() != nil {
			break
		}
		batch := keys[start:min(start+deleteBatchSize, len(keys))]

		failed, err := bd.DeleteObjects(ctx, batch)
		for _, key := range batch {
			kerr := failed[key]
			if kerr == nil && err != nil {
				kerr = err
			}
			outcomes = append(outcomes, r.deleted(key, kerr))
		}
	}
	return outcomes
}

func (r *run) deleteEach(ctx context.Context, keys []string) []DeleteOutcome {
	outcomes := make([]DeleteOutcome, len(keys))
	done := make([]bool, len(keys))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = r.deleted(key, r.dst.DeleteObject(ctx, key))
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	kept := outcomes[:0]
	for i, o := range outcomes {
		if done[i] {
			kept = append(kept, o)
		}
	}
	return kept
}

// deleted accounts for one delete. In fail-fast mode a failure cancels the
// deletes that have not started yet.
func (r *run) deleted(key string, err error) DeleteOutcome {
	if err == nil {
		r.logger.Info("delete", "key", key)
		r.state.update(func(s *Snapshot) { s.Deleted++ })
		return DeleteOutcome{Key: key}
	}

	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		return DeleteOutcome{Key: key, Err: err}
	}

	derr := syncerr.New(syncerr.KindDelete, "delete", fmt.Errorf("%s: %w", r.dst.Name(), err)).WithKey(key)
	r.logger.Error("delete failed", "key", key, "error", err)
	r.agg.Record(aggregator.NewRecord(key, "delete", syncerr.KindDelete, derr))
	r.state.update(func(s *Snapshot) { s.DeleteFailed++ })
	if r.cfg.FailureMode == FailFast {
		r.abort(derr)
	}
	return DeleteOutcome{Key: key, Err: derr}
}
