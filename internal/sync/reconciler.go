package sync

import (
	"fmt"
	"strconv"
	"time"

	"github.com/imaryza/isync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys written after every pass.
const (
	CheckpointLastPassAt     = "last_pass_at"
	CheckpointLastPassSynced = "last_pass_synced"
	CheckpointLastPassFailed = "last_pass_failed"
)

// LastPass is the persisted summary of the most recent pass.
type LastPass struct {
	At     time.Time
	Synced int
	Failed int
}

// Reconciler manages sync pass checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// RecordPass stores the outcome of a pass.
func (r *Reconciler) RecordPass(res PassResult) error {
	at := res.Started.Add(res.Duration).UTC().Format(time.RFC3339Nano)
	failed := res.Failed + res.Rejected
	for key, value := range map[string]string{
		CheckpointLastPassAt:     at,
		CheckpointLastPassSynced: strconv.Itoa(res.Synced),
		CheckpointLastPassFailed: strconv.Itoa(failed),
	} {
		if err := r.db.SetCheckpoint(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// LastPass returns the most recent pass summary. ok is false if no pass has
// completed yet.
func (r *Reconciler) LastPass() (last LastPass, ok bool, err error) {
	at, err := r.db.Checkpoint(CheckpointLastPassAt)
	if err != nil || at == "" {
		return LastPass{}, false, err
	}
	if last.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return LastPass{}, false, fmt.Errorf("parse %s: %w", CheckpointLastPassAt, err)
	}
	last.Synced = r.intCheckpoint(CheckpointLastPassSynced)
	last.Failed = r.intCheckpoint(CheckpointLastPassFailed)
	return last, true, nil
}

func (r *Reconciler) intCheckpoint(key string) int {
	v, err := r.db.Checkpoint(key)
	if err != nil {
		r.logger.Warn("read checkpoint", zap.String("key", key), zap.Error(err))
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}
