package manager

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"cloudcache/internal/metrics"
	"cloudcache/internal/models"
	"cloudcache/internal/provider"
)

// SyncReport summarizes one replay pass.
type SyncReport struct {
	Provider   string
	Attempted  int
	Completed  int
	Retrying   int // failed, will be retried on a later pass
	Failed     int // failed for the last time
	Skipped    int // terminal, or waiting out their backoff
	Reset      int // left syncing by an interrupted pass
	Reconciled int // temp_ or path ids replaced by provider ids
}

// SyncPendingOperations replays the queue of the active provider in
// insertion order. Failed replays are recorded on their ops and logged;
// the returned error is only for a pass that could not run at all.
func (m *Manager) SyncPendingOperations(ctx context.Context) (SyncReport, error) {
	name, p, err := m.activeProvider()
	report := SyncReport{Provider: name}
	if err != nil {
		return report, err
	}
	if !m.cache.Capabilities().SyncQueue {
		log.Debug("sync: no queue in degraded mode")
		return report, nil
	}

	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	metrics.RecordSyncPass()

	ops, err := m.cache.GetSyncQueue(ctx, name)
	if err != nil {
		return report, fmt.Errorf("sync: failed to read queue: %w", err)
	}

	// ids superseded during this pass; later ops in ops still carry the old one
	renamed := make(map[string]string)
	maxRetry := m.cache.MaxRetryCount()

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if op.Status == models.OpStatusSyncing {
			if _, err := m.cache.UpdateSyncStatus(ctx, op.ID, models.OpStatusPending, nil); err != nil {
				log.WithError(err).WithField("op", op.ID).Warn("sync: failed to reset interrupted op")
				continue
			}
			op.Status = models.OpStatusPending
			report.Reset++
		}
		if op.Status == models.OpStatusCompleted {
			continue
		}
		if op.Status == models.OpStatusFailed || op.RetryCount > maxRetry || m.backingOff(op) {
			report.Skipped++
			continue
		}

		op.FileID = resolve(renamed, op.FileID)
		report.Attempted++
		m.replayOne(ctx, name, p, op, renamed, &report)
	}

	if report.Attempted > 0 {
		log.WithFields(log.Fields{
			"provider":  name,
			"completed": report.Completed,
			"retrying":  report.Retrying,
			"failed":    report.Failed,
		}).Info("sync: pass finished")
	}
	return report, nil
}

func resolve(renamed map[string]string, id string) string {
	for {
		next, ok := renamed[id]
		if !ok {
			return id
		}
		id = next
	}
}

// backingOff reports whether a failed op is still inside its backoff window.
func (m *Manager) backingOff(op models.SyncOp) bool {
	wait := m.ReplayDelay(op.RetryCount)
	return wait > 0 && m.now().Sub(op.LastAttempt) < wait
}

func (m *Manager) replayOne(ctx context.Context, name string, p provider.Provider, op models.SyncOp, renamed map[string]string, report *SyncReport) {
	logger := log.WithFields(log.Fields{
		"provider": name,
		"op":       op.ID,
		"type":     op.Type,
		"file":     op.FileID,
	})

	if _, err := m.cache.UpdateSyncStatus(ctx, op.ID, models.OpStatusSyncing, nil); err != nil {
		logger.WithError(err).Warn("sync: failed to mark op syncing")
		return
	}

	result, err := m.replay(ctx, name, p, op)
	if err != nil {
		updated, uerr := m.cache.UpdateSyncStatus(ctx, op.ID, models.OpStatusFailed, err)
		if uerr != nil {
			logger.WithError(uerr).Error("sync: failed to record failed attempt")
			return
		}
		if updated.Status == models.OpStatusFailed {
			report.Failed++
			metrics.RecordSyncResult(string(op.Type), "failed")
			logger.WithError(err).WithField("retries", updated.RetryCount).Error("sync: op failed permanently")
		} else {
			report.Retrying++
			metrics.RecordSyncResult(string(op.Type), "retry")
			logger.WithError(err).WithField("retries", updated.RetryCount).Warn("sync: op failed, will retry")
		}
		return
	}

	if _, err := m.cache.UpdateSyncStatus(ctx, op.ID, models.OpStatusCompleted, nil); err != nil {
		logger.WithError(err).Error("sync: replayed op but failed to mark it completed")
		return
	}
	report.Completed++
	metrics.RecordSyncResult(string(op.Type), "completed")

	if result != nil && result.ID != op.FileID {
		if m.reconcile(ctx, name, op.FileID, result.ID) {
			renamed[op.FileID] = result.ID
			report.Reconciled++
		}
	}
}

// replay performs op against the provider and caches the outcome. It
// returns the provider's record for ops that produce one.
func (m *Manager) replay(ctx context.Context, name string, p provider.Provider, op models.SyncOp) (*models.File, error) {
	pl := op.Payload
	switch op.Type {
	case models.OpUpload:
		f, err := remote(name, "upload", func() (*models.File, error) {
			return p.UploadFile(ctx, provider.Upload{Name: pl.Name, MimeType: pl.MimeType, Content: pl.Content},
				provider.UploadOptions{ParentID: pl.ParentID})
		})
		if err != nil {
			return nil, err
		}
		m.settle(ctx, name, op.FileID, f)
		if pl.CacheContent && m.cache.Capabilities().Content {
			m.cacheContent(ctx, name, f.ID, pl.Content)
		}
		return f, nil

	case models.OpDelete:
		_, err := remote(name, "delete", func() (struct{}, error) { return struct{}{}, p.DeleteFile(ctx, op.FileID) })
		if err != nil && !isGone(err) {
			return nil, err
		}
		if err := m.cache.RemoveFile(ctx, name, op.FileID); err != nil {
			log.WithError(err).WithField("id", op.FileID).Warn("sync: failed to drop deleted file from cache")
		}
		return nil, nil

	case models.OpMove:
		f, err := remote(name, "move", func() (*models.File, error) { return p.MoveFile(ctx, op.FileID, pl.NewParentID) })
		if err != nil {
			return nil, err
		}
		m.settle(ctx, name, op.FileID, f)
		return f, nil

	case models.OpRename:
		f, err := remote(name, "rename", func() (*models.File, error) { return p.RenameFile(ctx, op.FileID, pl.NewName) })
		if err != nil {
			return nil, err
		}
		m.settle(ctx, name, op.FileID, f)
		return f, nil
	}
	return nil, fmt.Errorf("unknown op type %q", op.Type)
}

// reconcile points queued ops at newID after the file behind oldID got a
// new id from the provider.
func (m *Manager) reconcile(ctx context.Context, name, oldID, newID string) bool {
	n, err := m.cache.RewriteSyncFileID(ctx, name, oldID, newID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"old": oldID, "new": newID}).Error("sync: failed to rewrite queued file id")
		return false
	}
	log.WithFields(log.Fields{"old": oldID, "new": newID, "ops": n}).Debug("sync: reconciled file id")
	return true
}

// Run replays the queue on every offline to online transition until ctx is
// done. There is no periodic retry; ops left pending wait for the next edge
// or an explicit SyncPendingOperations.
func (m *Manager) Run(ctx context.Context) error {
	edges, unsubscribe := m.conn.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-edges:
			if !ok {
				return nil
			}
			if !online {
				continue
			}
			if _, err := m.SyncPendingOperations(ctx); err != nil {
				log.WithError(err).Warn("sync: pass on reconnect failed")
			}
		}
	}
}

// ReplayDelay returns how long a failed op waits before its next attempt.
func (m *Manager) ReplayDelay(retryCount int) time.Duration {
	if m.backoff <= 0 || retryCount == 0 {
		return 0
	}
	return m.backoff << (retryCount - 1)
}
