package cache

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
)

func (s *Store) queueAvailable() error {
	if !s.backend.Capabilities().SyncQueue {
		return common.ErrQueueUnavailable
	}
	return nil
}

// MaxRetryCount is the number of failed replays an op may accumulate and still be retried.
func (s *Store) MaxRetryCount() int {
	return s.cfg.MaxRetryCount
}

// AddToSyncQueue appends a pending op and returns it with its id.
func (s *Store) AddToSyncQueue(ctx context.Context, op models.SyncOp) (*models.SyncOp, error) {
	if err := s.queueAvailable(); err != nil {
		return nil, err
	}
	op.ID = 0
	op.Status = models.OpStatusPending
	op.Timestamp = s.now()
	op.RetryCount = 0
	op.LastAttempt = time.Time{}
	op.LastError = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.AddOp(ctx, &op); err != nil {
		return nil, fmt.Errorf("failed to queue %s of %s: %w", op.Type, op.FileID, err)
	}
	log.WithFields(log.Fields{
		"id":       op.ID,
		"provider": op.Provider,
		"type":     op.Type,
		"file":     op.FileID,
	}).Debug("syncqueue: queued")
	return &op, nil
}

// GetSyncQueue returns the ops of provider in insertion order; an empty
// provider returns all ops.
func (s *Store) GetSyncQueue(ctx context.Context, provider string) ([]models.SyncOp, error) {
	if err := s.queueAvailable(); err != nil {
		return nil, err
	}
	return s.backend.ListOps(ctx, provider)
}

// UpdateSyncStatus applies a transition to op id and returns the updated op.
//
// Passing OpStatusFailed records a failed attempt: RetryCount is incremented
// and the op goes back to pending, or to the terminal failed state once
// RetryCount exceeds MaxRetryCount. cause is recorded as LastError.
func (s *Store) UpdateSyncStatus(ctx context.Context, id int64, status models.OpStatus, cause error) (*models.SyncOp, error) {
	if err := s.queueAvailable(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.backend.GetOp(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sync op %d: %w", id, err)
	}

	now := s.now()
	switch status {
	case models.OpStatusSyncing:
		op.Status = models.OpStatusSyncing
		op.LastAttempt = now
	case models.OpStatusCompleted:
		op.Status = models.OpStatusCompleted
		op.LastError = ""
	case models.OpStatusFailed:
		op.RetryCount++
		op.LastAttempt = now
		if cause != nil {
			op.LastError = cause.Error()
		}
		if op.RetryCount > s.cfg.MaxRetryCount {
			op.Status = models.OpStatusFailed
		} else {
			op.Status = models.OpStatusPending
		}
	case models.OpStatusPending:
		op.Status = models.OpStatusPending
	default:
		return nil, fmt.Errorf("sync op %d: unknown status %q", id, status)
	}

	if err := s.backend.UpdateOp(ctx, op); err != nil {
		return nil, fmt.Errorf("sync op %d: %w", id, err)
	}
	return op, nil
}

// RetrySyncOp resets a failed op to pending with a fresh retry budget.
func (s *Store) RetrySyncOp(ctx context.Context, id int64) (*models.SyncOp, error) {
	if err := s.queueAvailable(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.backend.GetOp(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sync op %d: %w", id, err)
	}
	if op.Status == models.OpStatusCompleted {
		return nil, fmt.Errorf("sync op %d is already completed", id)
	}
	op.Status = models.OpStatusPending
	op.RetryCount = 0
	op.LastError = ""
	if err := s.backend.UpdateOp(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// RewriteSyncFileID points not-yet-replayed ops of provider at newID.
func (s *Store) RewriteSyncFileID(ctx context.Context, provider, oldID, newID string) (int64, error) {
	if err := s.queueAvailable(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.RewriteOpFileID(ctx, provider, oldID, newID)
}

// PruneSyncQueue deletes completed ops and failed ops last attempted more
// than failedOlderThan ago. Pending ops are never pruned.
func (s *Store) PruneSyncQueue(ctx context.Context, failedOlderThan time.Duration) (int64, error) {
	if err := s.queueAvailable(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.PruneOps(ctx, s.now().Add(-failedOlderThan))
}

// SyncSummary counts the ops of provider by status and lists those that have failed at least once.
func (s *Store) SyncSummary(ctx context.Context, provider string) (*models.SyncSummary, error) {
	ops, err := s.GetSyncQueue(ctx, provider)
	if err != nil {
		return nil, err
	}
	summary := &models.SyncSummary{Provider: provider}
	for _, op := range ops {
		switch op.Status {
		case models.OpStatusPending:
			summary.Pending++
		case models.OpStatusSyncing:
			summary.Syncing++
		case models.OpStatusCompleted:
			summary.Completed++
		case models.OpStatusFailed:
			summary.Failed++
		}
		if op.RetryCount > 0 && op.Status != models.OpStatusCompleted {
			summary.Errors = append(summary.Errors, models.SyncError{
				OpID:       op.ID,
				FileID:     op.FileID,
				Type:       op.Type,
				RetryCount: op.RetryCount,
				Message:    op.LastError,
				At:         op.LastAttempt,
			})
		}
	}
	return summary, nil
}
