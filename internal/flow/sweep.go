package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SweepStaleDelays re-runs running executions whose delay is overdue by more
// than grace and whose continuation is no longer queued. It returns how many
// executions were re-run. A non-positive grace uses Config.StaleDelayGrace.
func (e *Executor) SweepStaleDelays(ctx context.Context, grace time.Duration) (int, error) {
	if grace <= 0 {
		grace = e.cfg.StaleDelayGrace
	}
	running, err := e.repo.ListExecutionsByStatus(models.ExecutionRunning)
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}
	checker, _ := e.delays.(PendingChecker)
	cutoff := e.now().Add(-grace)

	swept := 0
	for _, exec := range running {
		raw := exec.StringVar(models.VarDelayUntil)
		if raw == "" {
			continue
		}
		due, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			slog.Warn("Executor.SweepStaleDelays: invalid delay timestamp", "executionID", exec.ID, "value", raw)
			continue
		}
		if due.After(cutoff) {
			continue
		}
		if checker != nil {
			key := ResumeNodePayload{ExecutionID: exec.ID, NodeID: exec.CurrentNodeID}.DedupeKey()
			pending, err := checker.Pending(ctx, key)
			if err != nil {
				slog.Warn("Executor.SweepStaleDelays: pending check failed", "executionID", exec.ID, "error", err)
				continue
			}
			if pending {
				continue
			}
		}
		slog.Info("Executor.SweepStaleDelays: re-running stale delay", "executionID", exec.ID, "nodeID", exec.CurrentNodeID, "due", due)
		unlock := e.contacts.lock(exec.ContactID)
		err = e.ExecuteNode(ctx, exec.ID, exec.CurrentNodeID)
		unlock()
		if err != nil {
			slog.Error("Executor.SweepStaleDelays: re-run failed", "executionID", exec.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}
