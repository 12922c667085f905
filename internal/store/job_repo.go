package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts bounds retries of a failing job.
const DefaultMaxAttempts = 3

// Job is a durable unit of deferred work: delayed node resumption or one campaign send.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists durable jobs. Delay nodes and campaign sends are jobs so
// that both survive restarts.
type JobRepo interface {
	// EnqueueJob inserts a queued job. A non-empty dedupeKey held by a queued
	// job returns that job's id instead.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to running.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	CompleteJob(id string) error
	// FailJob records errMsg and requeues at nextRunAt, or fails the job for
	// good once MaxAttempts is reached.
	FailJob(id string, errMsg string, nextRunAt time.Time) error
	CancelJob(id string) error
	// RequeueStaleRunningJobs returns jobs locked before staleBefore to the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)
	GetJob(id string) (*Job, error)
	// FindActiveJob returns the queued or running job carrying dedupeKey, if any.
	FindActiveJob(dedupeKey string) (*Job, error)
}
