package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobs_DedupeKeyHeldUntilDone(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		later := time.Now().Add(time.Hour)
		first, err := s.EnqueueJob("campaign_send", later, `{"recipient_id":"r1"}`, "campaign:c1:k1")
		require.NoError(t, err)
		again, err := s.EnqueueJob("campaign_send", later, `{"recipient_id":"r1"}`, "campaign:c1:k1")
		require.NoError(t, err)
		assert.Equal(t, first, again)

		other, err := s.EnqueueJob("campaign_send", later, `{"recipient_id":"r2"}`, "campaign:c1:k2")
		require.NoError(t, err)
		assert.NotEqual(t, first, other)

		job, err := s.GetJob(first)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, JobStatusQueued, job.Status)
		assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
		assert.Equal(t, `{"recipient_id":"r1"}`, job.PayloadJSON)

		require.NoError(t, s.CompleteJob(first))
		fresh, err := s.EnqueueJob("campaign_send", later, `{"recipient_id":"r1"}`, "campaign:c1:k1")
		require.NoError(t, err)
		assert.NotEqual(t, first, fresh)
	})
}

func TestJobs_RunningOrFailedJobFreesItsKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		past := time.Now().Add(-time.Second)
		first, err := s.EnqueueJob("flow_resume_node", past, `{}`, "delay:e1:ping")
		require.NoError(t, err)
		claimed, err := s.ClaimDueJobs(time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		next, err := s.EnqueueJob("flow_resume_node", past, `{}`, "delay:e1:ping")
		require.NoError(t, err)
		assert.NotEqual(t, first, next, "a running job must not swallow its successor")

		again, err := s.EnqueueJob("flow_resume_node", past, `{}`, "delay:e1:ping")
		require.NoError(t, err)
		assert.Equal(t, next, again)

		for i := 0; i < DefaultMaxAttempts; i++ {
			require.NoError(t, s.FailJob(next, "boom", past))
		}
		job, err := s.GetJob(next)
		require.NoError(t, err)
		require.Equal(t, JobStatusFailed, job.Status)
		require.NoError(t, s.CompleteJob(first))

		retry, err := s.EnqueueJob("flow_resume_node", past, `{}`, "delay:e1:ping")
		require.NoError(t, err)
		assert.NotEqual(t, next, retry, "a failed job must not block its key")
	})
}

func TestJobs_ClaimOnlyDueInRunAtOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		now := time.Now()
		late, err := s.EnqueueJob("resume_node", now.Add(-time.Minute), `{}`, "")
		require.NoError(t, err)
		early, err := s.EnqueueJob("resume_node", now.Add(-time.Hour), `{}`, "")
		require.NoError(t, err)
		_, err = s.EnqueueJob("resume_node", now.Add(time.Hour), `{}`, "")
		require.NoError(t, err)

		one, err := s.ClaimDueJobs(now, 1)
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, early, one[0].ID)
		assert.Equal(t, JobStatusRunning, one[0].Status)
		assert.NotNil(t, one[0].LockedAt)

		rest, err := s.ClaimDueJobs(now, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, late, rest[0].ID)

		none, err := s.ClaimDueJobs(now, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestJobs_FailRetriesThenGivesUp(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		id, err := s.EnqueueJob("campaign_send", time.Now().Add(-time.Second), `{}`, "")
		require.NoError(t, err)

		for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
			claimed, err := s.ClaimDueJobs(time.Now(), 10)
			require.NoError(t, err)
			require.Len(t, claimed, 1, "attempt %d", attempt)
			require.NoError(t, s.FailJob(id, "no healthy sender", time.Now().Add(-time.Second)))

			job, err := s.GetJob(id)
			require.NoError(t, err)
			assert.Equal(t, attempt, job.Attempt)
			assert.Equal(t, "no healthy sender", job.LastError)
			assert.Nil(t, job.LockedAt)
			if attempt < DefaultMaxAttempts {
				assert.Equal(t, JobStatusQueued, job.Status)
			} else {
				assert.Equal(t, JobStatusFailed, job.Status)
			}
		}

		claimed, err := s.ClaimDueJobs(time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestJobs_CancelAndRequeueStale(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		canceled, err := s.EnqueueJob("resume_node", time.Now().Add(time.Hour), `{}`, "delay:e1:n1")
		require.NoError(t, err)
		require.NoError(t, s.CancelJob(canceled))
		job, err := s.GetJob(canceled)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCanceled, job.Status)
		active, err := s.FindActiveJob("delay:e1:n1")
		require.NoError(t, err)
		assert.Nil(t, active)

		stale, err := s.EnqueueJob("resume_node", time.Now().Add(-time.Hour), `{}`, "")
		require.NoError(t, err)
		claimed, err := s.ClaimDueJobs(time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		n, err := s.RequeueStaleRunningJobs(time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.RequeueStaleRunningJobs(time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		job, err = s.GetJob(stale)
		require.NoError(t, err)
		assert.Equal(t, JobStatusQueued, job.Status)

		missing, err := s.GetJob("job_missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestJobRunner_RunDispatchesByKind(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		runner := NewJobRunner(s, 20*time.Millisecond, WithConcurrency(2))

		var sends, resumes int32
		runner.RegisterHandler("campaign_send", func(ctx context.Context, payload string) error {
			atomic.AddInt32(&sends, 1)
			return nil
		})
		runner.RegisterHandler("resume_node", func(ctx context.Context, payload string) error {
			atomic.AddInt32(&resumes, 1)
			return nil
		})

		past := time.Now().Add(-time.Second)
		sendID, err := s.EnqueueJob("campaign_send", past, `{}`, "")
		require.NoError(t, err)
		_, err = s.EnqueueJob("resume_node", past, `{}`, "")
		require.NoError(t, err)
		orphan, err := s.EnqueueJob("unknown_kind", past, `{}`, "")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			runner.Run(ctx)
			close(done)
		}()
		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&sends) == 1 && atomic.LoadInt32(&resumes) == 1
		}, 2*time.Second, 10*time.Millisecond)
		cancel()
		<-done

		job, err := s.GetJob(sendID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusDone, job.Status)

		job, err = s.GetJob(orphan)
		require.NoError(t, err)
		assert.Equal(t, JobStatusQueued, job.Status)
		assert.Contains(t, job.LastError, "no handler registered")
	})
}

func TestJobRunner_HandlerErrorBacksOff(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Hour)
	runner.RegisterHandler("campaign_send", func(ctx context.Context, payload string) error {
		return errors.New("send failed")
	})
	id, err := s.EnqueueJob("campaign_send", time.Now().Add(-time.Second), `{}`, "")
	require.NoError(t, err)

	before := time.Now()
	runner.Poll(context.Background())

	job, err := s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.True(t, job.RunAt.After(before.Add(29*time.Second)), "run_at %v", job.RunAt)
}
