package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

type transition int

const (
	advance transition = iota
	pause
	wait
	complete
)

// ExecuteNode runs the execution from nodeID until it pauses, waits on a delay,
// completes or fails. Node failures are recorded on the execution; only
// persistence errors are returned.
func (e *Executor) ExecuteNode(ctx context.Context, executionID, nodeID string) error {
	for steps := 0; ; steps++ {
		if steps >= e.cfg.MaxStepsPerTurn {
			slog.Error("Executor.ExecuteNode: step budget exceeded", "executionID", executionID, "nodeID", nodeID, "budget", e.cfg.MaxStepsPerTurn)
			return e.FailExecution(ctx, executionID, ErrStepBudgetExceeded.Error())
		}

		exec, err := e.repo.GetExecution(executionID)
		if err != nil {
			return fmt.Errorf("get execution %s: %w", executionID, err)
		}
		if exec == nil || exec.Status != models.ExecutionRunning {
			slog.Debug("Executor.ExecuteNode: execution not running, stopping", "executionID", executionID)
			return nil
		}
		f, err := e.repo.GetFlow(exec.FlowID)
		if err != nil {
			return fmt.Errorf("get flow %s: %w", exec.FlowID, err)
		}
		if f == nil {
			return e.FailExecution(ctx, executionID, reasonFlowNotFound)
		}
		contact, err := e.repo.GetContact(exec.ContactID)
		if err != nil {
			return fmt.Errorf("get contact %s: %w", exec.ContactID, err)
		}
		if contact == nil {
			slog.Debug("Executor.ExecuteNode: contact not found, stopping", "executionID", executionID, "contactID", exec.ContactID)
			return nil
		}

		node, ok := f.FindNode(nodeID)
		if !ok {
			slog.Debug("Executor.ExecuteNode: node not found, completing", "executionID", executionID, "nodeID", nodeID)
			return e.CompleteExecution(ctx, executionID)
		}

		exec.CurrentNodeID = node.ID
		delete(exec.Variables, models.VarDelayUntil)

		next, tr, err := e.step(ctx, f, node, exec, contact)
		if err != nil {
			slog.Error("Executor.ExecuteNode: node failed", "executionID", executionID, "nodeID", node.ID, "type", node.Type, "error", err)
			return e.FailExecution(ctx, executionID, err.Error())
		}

		switch tr {
		case advance:
			if err := e.repo.UpdateExecution(exec); err != nil {
				return fmt.Errorf("persist execution %s: %w", executionID, err)
			}
			nodeID = next
			continue
		case pause:
			exec.Status = models.ExecutionPaused
			if err := e.repo.UpdateExecution(exec); err != nil {
				if errors.Is(err, models.ErrPausedExecutionExists) {
					slog.Warn("Executor.ExecuteNode: contact paused in another execution, failing this one", "executionID", executionID, "contactID", exec.ContactID)
					return e.FailExecution(ctx, executionID, reasonSuperseded)
				}
				if ferr := e.FailExecution(ctx, executionID, err.Error()); ferr != nil {
					slog.Error("Executor.ExecuteNode: could not fail execution after persist error", "executionID", executionID, "error", ferr)
				}
				return fmt.Errorf("persist execution %s: %w", executionID, err)
			}
			slog.Debug("Executor.ExecuteNode: paused awaiting reply", "executionID", executionID, "nodeID", node.ID)
			return nil
		case wait:
			return nil
		default:
			if err := e.repo.UpdateExecution(exec); err != nil {
				return fmt.Errorf("persist execution %s: %w", executionID, err)
			}
			return e.CompleteExecution(ctx, executionID)
		}
	}
}

// step runs one node and returns the transition chosen by its type.
func (e *Executor) step(ctx context.Context, f *models.Flow, node models.Node, exec *models.FlowExecution, contact *models.Contact) (string, transition, error) {
	slog.Debug("Executor.step", "executionID", exec.ID, "nodeID", node.ID, "type", node.Type)

	switch d := node.Data.(type) {
	case models.StartData:
		return follow(f.NextNodeID(node.ID))

	case models.MessageData, models.ButtonsData, models.ListData:
		if err := e.send(ctx, d, exec, contact); err != nil {
			return "", 0, err
		}
		next, ok := f.NextNodeID(node.ID)
		if !ok {
			return "", complete, nil
		}
		if autoContinue(d) {
			return next, advance, nil
		}
		return "", pause, nil

	case models.ConditionData:
		handle := models.HandleFalse
		reply := strings.ToLower(exec.StringVar(models.VarMessage))
		if strings.Contains(reply, strings.ToLower(d.Keyword)) {
			handle = models.HandleTrue
		}
		return follow(f.NextNodeIDByHandle(node.ID, handle))

	case models.MenuResponseData:
		if id, ok := matchMenuOption(d, exec.StringVar(models.VarMessage)); ok {
			if next, ok := f.NextNodeIDByHandle(node.ID, id); ok {
				return next, advance, nil
			}
		}
		return follow(f.NextNodeIDByHandle(node.ID, models.HandleDefault))

	case models.DelayData:
		return e.delay(ctx, f, node, d, exec)

	case models.HTTPData:
		e.runHTTPNode(ctx, d, exec, contact)
		return follow(f.NextNodeID(node.ID))

	case models.EmailData:
		e.runEmailNode(ctx, d, exec, contact)
		return follow(f.NextNodeID(node.ID))

	case nil:
		return "", 0, fmt.Errorf("node %s has no data", node.ID)
	default:
		return "", 0, fmt.Errorf("unsupported node type %s", node.Type)
	}
}

func follow(next string, ok bool) (string, transition, error) {
	if !ok {
		return "", complete, nil
	}
	return next, advance, nil
}

func (e *Executor) send(ctx context.Context, data models.NodeData, exec *models.FlowExecution, contact *models.Contact) error {
	if e.channel == nil {
		return fmt.Errorf("no messaging channel configured")
	}
	payload, ok := buildPayload(data, contact, exec.Variables)
	if !ok {
		return fmt.Errorf("node data %T cannot be sent", data)
	}
	to := contact.Recipient()
	payload = messaging.AdaptForAddress(to, payload)
	if err := e.channel.SendMessage(ctx, exec.StringVar(models.VarSessionID), to, payload); err != nil {
		return fmt.Errorf("send %s: %w", payload.PayloadType(), err)
	}
	return nil
}

// delay moves the pointer to the delay target and schedules the continuation.
// Without a queue, or for non-positive delays, the target runs in this turn.
func (e *Executor) delay(ctx context.Context, f *models.Flow, node models.Node, d models.DelayData, exec *models.FlowExecution) (string, transition, error) {
	target, ok := f.NextNodeID(node.ID)
	if !ok {
		return "", complete, nil
	}
	if e.delays == nil || d.Seconds <= 0 {
		return target, advance, nil
	}

	after := time.Duration(d.Seconds) * time.Second
	exec.CurrentNodeID = target
	exec.SetVar(models.VarDelayUntil, e.now().Add(after).UTC().Format(time.RFC3339))
	if err := e.repo.UpdateExecution(exec); err != nil {
		return "", 0, fmt.Errorf("persist delay pointer: %w", err)
	}
	payload := ResumeNodePayload{ExecutionID: exec.ID, NodeID: target}
	if err := e.delays.Schedule(ctx, JobKindResumeNode, payload, after); err != nil {
		return "", 0, fmt.Errorf("schedule delay: %w", err)
	}
	slog.Debug("Executor.delay: continuation scheduled", "executionID", exec.ID, "target", target, "delay", after)
	return "", wait, nil
}

// resumeDelayed continues an execution whose delay elapsed. Executions that
// stopped running or moved on are left alone.
func (e *Executor) resumeDelayed(ctx context.Context, p ResumeNodePayload) error {
	exec, err := e.repo.GetExecution(p.ExecutionID)
	if err != nil {
		return fmt.Errorf("get execution %s: %w", p.ExecutionID, err)
	}
	if exec == nil {
		slog.Debug("Executor.resumeDelayed: execution gone, skipping", "executionID", p.ExecutionID)
		return nil
	}
	unlock := e.contacts.lock(exec.ContactID)
	defer unlock()
	if exec, err = e.repo.GetExecution(p.ExecutionID); err != nil {
		return fmt.Errorf("get execution %s: %w", p.ExecutionID, err)
	}
	if exec == nil || exec.Status != models.ExecutionRunning {
		slog.Debug("Executor.resumeDelayed: execution not running, skipping", "executionID", p.ExecutionID)
		return nil
	}
	if exec.CurrentNodeID != p.NodeID {
		slog.Debug("Executor.resumeDelayed: execution moved on, skipping", "executionID", p.ExecutionID, "expected", p.NodeID, "current", exec.CurrentNodeID)
		return nil
	}
	return e.ExecuteNode(ctx, p.ExecutionID, p.NodeID)
}
