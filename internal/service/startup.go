package service

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/util/workerpool"
	"go.uber.org/zap"
)

// Start loads every table, from the persistence cache when it is valid and by
// full log replay otherwise, then checks each table against its stored hash.
// A mismatching table is wiped and marked for resync from a hub. The cache is
// rewritten before Start returns whenever it did not match the tables.
//
// Start must run before the event loop. pool may be nil, in which case tables
// are replayed one after the other.
func (r *ReplicationService) Start(ctx context.Context, pool *workerpool.WorkerPool) error {
	loaded := r.cache != nil && r.cache.Load()
	if !loaded {
		if err := r.replayAll(ctx, pool); err != nil {
			return err
		}
	}

	wiped, err := r.verifyHashes()
	if err != nil {
		return err
	}

	if r.cache != nil && (!loaded || wiped > 0) {
		if err := r.cache.Save(); err != nil {
			r.logger.Warn("Failed to write persistence cache", zap.Error(err))
		}
	}

	for _, spec := range r.tables.Layout() {
		state, _ := r.tables.Table(spec.ID)
		r.updateTableMetrics(spec.ID, state)
		r.logger.Info("Table ready",
			zap.String("table", spec.ID.String()),
			zap.String("name", spec.Name),
			zap.Uint64("serial", state.Serial),
			zap.Int("records", state.Count()),
			zap.Uint64("log_lines", state.LogLines),
			zap.String("hash", state.Hash.Encode()),
			zap.Bool("resync", r.resync[spec.ID]))
	}
	return nil
}

func (r *ReplicationService) replayAll(ctx context.Context, pool *workerpool.WorkerPool) error {
	start := time.Now()
	layout := r.tables.Layout()

	if pool == nil {
		for _, spec := range layout {
			if err := r.replayTable(spec.ID); err != nil {
				return err
			}
		}
	} else {
		tasks := make([]workerpool.Task, 0, len(layout))
		for _, spec := range layout {
			id := spec.ID
			tasks = append(tasks, workerpool.Task{
				ID: "replay-" + id.String(),
				Fn: func(context.Context) error { return r.replayTable(id) },
			})
		}
		if err := pool.RunAll(ctx, tasks); err != nil {
			return fmt.Errorf("failed to replay table logs: %w", err)
		}
	}

	r.metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	r.logger.Info("Replayed table logs",
		zap.Int("tables", len(layout)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// replayTable rebuilds one table from its log. It touches no state shared
// with other tables.
func (r *ReplicationService) replayTable(id model.TableID) error {
	state, err := r.tables.Table(id)
	if err != nil {
		return err
	}
	state.reset(nil)

	return r.logs.ReadAll(id, func(entry *model.LogEntry) error {
		if entry.Serial <= state.Serial {
			return errors.CorruptedLog(fmt.Sprintf("table %s: serial %d after %d", id, entry.Serial, state.Serial), nil)
		}
		state.apply(entry)
		return nil
	})
}

func (r *ReplicationService) verifyHashes() (int, error) {
	wiped := 0
	for _, spec := range r.tables.Layout() {
		state, _ := r.tables.Table(spec.ID)

		stored, found, err := r.logs.ReadHash(spec.ID)
		if err != nil {
			return wiped, err
		}
		if !found {
			if err := r.logs.WriteHash(spec.ID, state.Hash); err != nil {
				return wiped, err
			}
			continue
		}
		if stored == state.Hash {
			continue
		}

		mismatch := errors.HashMismatch(spec.ID.String(), stored.Encode(), state.Hash.Encode())
		r.logger.Warn("Table hash mismatch at startup, wiping table", zap.Error(mismatch))
		r.metrics.HashMismatchTotal.WithLabelValues(spec.ID.String(), "startup").Inc()

		if err := r.wipe(spec.ID, false); err != nil {
			return wiped, err
		}
		r.resync[spec.ID] = true
		wiped++
		r.notice(fmt.Sprintf("DDB: table %s failed its hash check at startup, wiped and waiting for a hub burst", spec.ID))
	}
	return wiped, nil
}
