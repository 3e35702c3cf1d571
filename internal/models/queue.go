package models

import "time"

// QueueState is the lifecycle state of a sync queue item.
type QueueState string

const (
	QueuePending    QueueState = "pending"
	QueueProcessing QueueState = "processing"
	QueueCompleted  QueueState = "completed"
	QueueFailed     QueueState = "failed"
)

// SyncQueueItem is one pending remote fetch for a (project, platform) pair.
//
// Lifecycle: pending -> processing (exclusive claim) -> completed, or back to
// pending with NotBefore set when the platform rate-limits us, or failed once
// attempts are exhausted or the error is non-retryable. Failed items stay in
// the table for operator inspection until explicitly cleared or retried.
type SyncQueueItem struct {
	ID         string
	ProjectID  string
	Platform   Platform
	Priority   int // 1 = highest
	State      QueueState
	Attempts   int
	LastError  string
	NotBefore  *time.Time
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}
