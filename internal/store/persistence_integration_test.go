package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func reopenSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(path))
	require.NoError(t, err)
	return s
}

// A delay job claimed by a process that then crashed runs exactly once after restart.
func TestRestartRequeuesClaimedDelayJob(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flowpipe.db")

	s1 := reopenSQLite(t, dbPath)
	jobID, err := s1.EnqueueJob("resume_node", time.Now().Add(-time.Second), `{"execution_id":"ex_1","node_id":"wait"}`, "delay:ex_1:wait")
	require.NoError(t, err)
	claimed, err := s1.ClaimDueJobs(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s1.Close())

	s2 := reopenSQLite(t, dbPath)
	defer s2.Close()

	stuck, err := s2.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, stuck.Status)

	active, err := s2.FindActiveJob("delay:ex_1:wait")
	require.NoError(t, err)
	require.NotNil(t, active, "a running job still holds its dedupe key")

	var runs int32
	runner := NewJobRunner(s2, time.Second, WithStaleThreshold(0))
	runner.RegisterHandler("resume_node", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.NoError(t, runner.RecoverStaleJobs())
	runner.Poll(context.Background())
	runner.Poll(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	job, err := s2.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)

	again, err := s2.EnqueueJob("resume_node", time.Now(), `{}`, "delay:ex_1:wait")
	require.NoError(t, err)
	assert.NotEqual(t, jobID, again, "a finished job releases its dedupe key")
}

// Paused conversations and inbound dedup records survive a restart.
func TestRestartKeepsPausedExecutionAndDedup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flowpipe.db")

	s1 := reopenSQLite(t, dbPath)
	contact, err := s1.UpsertContact("15551230001", "15551230001@s.whatsapp.net", "Ana")
	require.NoError(t, err)
	f := &models.Flow{
		Name:        "survey",
		TriggerType: models.TriggerKeyword,
		Keywords:    []string{"survey"},
		IsActive:    true,
		Nodes: []models.Node{
			models.NewNode("start", models.StartData{}),
			models.NewNode("ask", models.ButtonsData{Text: "Rate us", Buttons: []models.Button{{ID: "good", Text: "Good"}}}),
		},
		Edges: []models.Edge{{Source: "start", Target: "ask"}},
	}
	require.NoError(t, s1.CreateFlow(f))
	exec := &models.FlowExecution{
		FlowID:        f.ID,
		ContactID:     contact.ID,
		CurrentNodeID: "ask",
		Status:        models.ExecutionPaused,
		Variables:     map[string]any{models.VarSessionID: "default"},
	}
	require.NoError(t, s1.CreateExecution(exec))

	isNew, err := s1.RecordInbound("msg-restart-1", contact.ChannelAddress)
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NoError(t, s1.Close())

	s2 := reopenSQLite(t, dbPath)
	defer s2.Close()

	paused, err := s2.FindPausedExecution(contact.ID)
	require.NoError(t, err)
	require.NotNil(t, paused)
	assert.Equal(t, exec.ID, paused.ID)
	assert.Equal(t, "ask", paused.CurrentNodeID)
	assert.Equal(t, "default", paused.StringVar(models.VarSessionID))

	stored, err := s2.GetFlow(f.ID)
	require.NoError(t, err)
	node, ok := stored.FindNode("ask")
	require.True(t, ok)
	assert.IsType(t, models.ButtonsData{}, node.Data)

	ok, err = s2.ClaimPausedExecution(exec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s2.ClaimPausedExecution(exec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only one resume may claim a paused execution")

	isNew, err = s2.RecordInbound("msg-restart-1", contact.ChannelAddress)
	require.NoError(t, err)
	assert.False(t, isNew, "redelivery after restart must be recognised")
	dup, err := s2.IsDuplicate("msg-restart-1")
	require.NoError(t, err)
	assert.True(t, dup)
}
