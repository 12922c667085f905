package flow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func delayFlow(seconds int) *models.Flow {
	return &models.Flow{
		Nodes: []models.Node{
			models.NewNode("start", models.StartData{}),
			models.NewNode("wait", models.DelayData{Seconds: seconds}),
			textNode("after", "thanks for waiting"),
		},
		Edges: []models.Edge{edge("start", "wait"), edge("wait", "after")},
	}
}

func TestDelayPersistsPointerBeforeFiring(t *testing.T) {
	q := &recordingQueue{}
	env := newTestEnv(t, WithDelayQueue(q))
	env.addFlow(t, delayFlow(60))

	env.inbound(t, testAddress, "hi")

	if n := len(env.session.Sent()); n != 0 {
		t.Fatalf("expected nothing sent before the delay, got %d", n)
	}
	execs := env.executions(t)
	if len(execs) != 1 {
		t.Fatalf("expected one execution, got %d", len(execs))
	}
	exec := execs[0]
	if exec.Status != models.ExecutionRunning || exec.CurrentNodeID != "after" {
		t.Errorf("expected running at target node, got %s at %s", exec.Status, exec.CurrentNodeID)
	}
	if _, err := time.Parse(time.RFC3339, exec.StringVar(models.VarDelayUntil)); err != nil {
		t.Errorf("expected delay deadline, got %q", exec.StringVar(models.VarDelayUntil))
	}
	if len(q.items) != 1 || q.kinds[0] != JobKindResumeNode || q.delay[0] != time.Minute {
		t.Fatalf("unexpected scheduled work: %v %v", q.kinds, q.delay)
	}
	want := ResumeNodePayload{ExecutionID: exec.ID, NodeID: "after"}
	if q.items[0] != want {
		t.Errorf("expected payload %+v, got %+v", want, q.items[0])
	}

	handlers := capturingRegistrar{}
	RegisterJobHandlers(handlers, env.exec)
	payload, _ := json.Marshal(want)
	ctx := context.Background()
	if err := handlers[JobKindResumeNode](ctx, string(payload)); err != nil {
		t.Fatalf("resume handler failed: %v", err)
	}
	if texts := env.session.Texts(); len(texts) != 1 || texts[0] != "thanks for waiting" {
		t.Fatalf("expected message after delay, got %v", texts)
	}
	done := env.execution(t, exec.ID)
	if done.Status != models.ExecutionCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if _, ok := done.Variables[models.VarDelayUntil]; ok {
		t.Error("expected delay deadline cleared")
	}

	// A redelivered job finds a terminal execution and does nothing.
	if err := handlers[JobKindResumeNode](ctx, string(payload)); err != nil {
		t.Fatalf("redelivered handler failed: %v", err)
	}
	if n := len(env.session.Sent()); n != 1 {
		t.Errorf("expected no duplicate send, got %d", n)
	}
}

func TestDelayHandlerIgnoresMovedExecution(t *testing.T) {
	env := newTestEnv(t, WithDelayQueue(&recordingQueue{}))
	env.addFlow(t, delayFlow(60))
	env.inbound(t, testAddress, "hi")
	exec := env.executions(t)[0]

	handlers := capturingRegistrar{}
	RegisterJobHandlers(handlers, env.exec)
	stale, _ := json.Marshal(ResumeNodePayload{ExecutionID: exec.ID, NodeID: "wait"})
	if err := handlers[JobKindResumeNode](context.Background(), string(stale)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if n := len(env.session.Sent()); n != 0 {
		t.Errorf("expected stale job to be ignored, got %d sends", n)
	}
	if err := handlers[JobKindResumeNode](context.Background(), "not json"); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestDelayWithoutQueueContinuesImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.addFlow(t, delayFlow(60))
	env.inbound(t, testAddress, "hi")

	if texts := env.session.Texts(); len(texts) != 1 {
		t.Fatalf("expected immediate continuation, got %v", texts)
	}
}

func TestDelayWithoutTargetCompletes(t *testing.T) {
	env := newTestEnv(t, WithDelayQueue(&recordingQueue{}))
	env.addFlow(t, &models.Flow{
		Nodes: []models.Node{models.NewNode("start", models.StartData{}), models.NewNode("wait", models.DelayData{Seconds: 5})},
		Edges: []models.Edge{edge("start", "wait")},
	})
	env.inbound(t, testAddress, "hi")
	if execs := env.executions(t); execs[0].Status != models.ExecutionCompleted {
		t.Errorf("expected completed, got %s", execs[0].Status)
	}
}

func TestTimerQueueRunsDelayedNode(t *testing.T) {
	q := NewTimerQueue()
	defer q.Stop()
	env := newTestEnv(t, WithDelayQueue(q))
	RegisterJobHandlers(q, env.exec)
	env.addFlow(t, delayFlow(1))

	env.inbound(t, testAddress, "hi")
	exec := env.executions(t)[0]
	key := ResumeNodePayload{ExecutionID: exec.ID, NodeID: "after"}.DedupeKey()
	if pending, _ := q.Pending(context.Background(), key); !pending {
		t.Fatal("expected pending timer")
	}
	if active := q.ListActive(); len(active) != 1 || active[0].Kind != JobKindResumeNode {
		t.Fatalf("unexpected active timers: %+v", active)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(env.session.Texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if texts := env.session.Texts(); len(texts) != 1 || texts[0] != "thanks for waiting" {
		t.Fatalf("expected delayed message, got %v", texts)
	}
}

func TestTimerQueueDedupeAndCancel(t *testing.T) {
	q := NewTimerQueue()
	defer q.Stop()
	var calls atomic.Int32
	q.RegisterHandler("ping", func(ctx context.Context, payload string) error {
		calls.Add(1)
		return nil
	})
	ctx := context.Background()

	if err := q.Schedule(ctx, "unknown", struct{}{}, time.Millisecond); err == nil {
		t.Error("expected error for unregistered kind")
	}

	p := ResumeNodePayload{ExecutionID: "ex_1", NodeID: "n"}
	for i := 0; i < 3; i++ {
		if err := q.Schedule(ctx, "ping", p, time.Hour); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}
	active := q.ListActive()
	if len(active) != 1 {
		t.Fatalf("expected deduplicated timer, got %d", len(active))
	}
	q.Cancel(active[0].ID)
	if pending, _ := q.Pending(ctx, p.DedupeKey()); pending {
		t.Error("expected canceled timer to be gone")
	}

	if err := q.Schedule(ctx, "ping", map[string]string{"a": "b"}, time.Millisecond); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Errorf("expected handler to run once, got %d", calls.Load())
	}
}

func TestJobQueueEnqueuesDurableJob(t *testing.T) {
	env := newTestEnv(t)
	q := NewJobQueue(env.store)
	ctx := context.Background()
	p := ResumeNodePayload{ExecutionID: "ex_1", NodeID: "after"}

	if err := q.Schedule(ctx, JobKindResumeNode, p, time.Minute); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := q.Schedule(ctx, JobKindResumeNode, p, time.Minute); err != nil {
		t.Fatalf("second Schedule failed: %v", err)
	}
	job, err := env.store.FindActiveJob(p.DedupeKey())
	if err != nil || job == nil {
		t.Fatalf("FindActiveJob = %v, %v", job, err)
	}
	if job.Kind != JobKindResumeNode || time.Until(job.RunAt) < 50*time.Second {
		t.Errorf("unexpected job %+v", job)
	}
	var decoded ResumeNodePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &decoded); err != nil || decoded != p {
		t.Errorf("unexpected payload %q", job.PayloadJSON)
	}
	due, _ := env.store.ClaimDueJobs(time.Now().Add(2*time.Minute), 10)
	if len(due) != 1 {
		t.Errorf("expected a single deduplicated job, got %d", len(due))
	}
	if pending, _ := q.Pending(ctx, "delay:other:node"); pending {
		t.Error("expected unknown key not pending")
	}
}

func TestDurableDelayLoopReschedulesFromRunningJob(t *testing.T) {
	q := &JobQueue{now: func() time.Time { return time.Now().Add(-time.Hour) }}
	env := newTestEnv(t, WithDelayQueue(q))
	q.repo = env.store
	env.addFlow(t, &models.Flow{
		Nodes: []models.Node{
			models.NewNode("start", models.StartData{}),
			models.NewNode("wait", models.DelayData{Seconds: 1}),
			models.NewNode("ping", models.MessageData{Text: "ping", AutoContinue: true}),
		},
		Edges: []models.Edge{edge("start", "wait"), edge("wait", "ping"), edge("ping", "wait")},
	})
	runner := store.NewJobRunner(env.store, time.Hour)
	RegisterJobHandlers(runner, env.exec)

	env.inbound(t, testAddress, "hi")
	ctx := context.Background()
	for poll := 1; poll <= 3; poll++ {
		runner.Poll(ctx)
		if n := len(env.session.Texts()); n != poll {
			t.Fatalf("after poll %d: expected %d pings, got %d", poll, poll, n)
		}
	}

	execs := env.executions(t)
	if len(execs) != 1 || execs[0].Status != models.ExecutionRunning || execs[0].CurrentNodeID != "ping" {
		t.Fatalf("expected one execution waiting at ping, got %+v", execs)
	}
	key := ResumeNodePayload{ExecutionID: execs[0].ID, NodeID: "ping"}.DedupeKey()
	if pending, err := q.Pending(ctx, key); err != nil || !pending {
		t.Errorf("expected next continuation queued, got %v, %v", pending, err)
	}
}
