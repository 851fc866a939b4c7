package db

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
)

// PressurePolicy is the escalating relief applied when a write runs out of capacity.
// Unsynced records are never removed by any stage.
type PressurePolicy struct {
	// Retention: stage 1 removes synced records created longer ago than this.
	Retention time.Duration
	// SoftCap: stage 2 keeps only the newest SoftCap synced records.
	SoftCap int
	// HardCap: stage 3 keeps only the newest HardCap synced records.
	HardCap int
}

// DefaultPressurePolicy returns 30 days / 150 / 50.
func DefaultPressurePolicy() PressurePolicy {
	return PressurePolicy{
		Retention: 30 * 24 * time.Hour,
		SoftCap:   150,
		HardCap:   50,
	}
}

// Relief stages.
const (
	StageRetention = 1
	StageSoftCap   = 2
	StageHardCap   = 3
)

var errQuotaExceeded = stderrors.New("record quota exceeded")

// isCapacityError reports whether err means the store is out of room.
func isCapacityError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, errQuotaExceeded) {
		return true
	}
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return strings.Contains(err.Error(), "database or disk is full")
}

func isConstraintError(err error) bool {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// writeWithRelief runs write; on a capacity failure it escalates through the
// relief stages, re-attempting write after each one. If every stage is
// exhausted the caller gets STORAGE_EXHAUSTED.
func (s *Store) writeWithRelief(ctx context.Context, op string, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil {
		return nil
	}
	if !isCapacityError(err) {
		return asStoreError(op, err)
	}

	logging.Warn("store write out of capacity, starting relief", map[string]interface{}{
		"op":   op,
		"code": string(errors.ErrStorageFull),
	})

	for stage := StageRetention; stage <= StageHardCap; stage++ {
		removed, rerr := s.relieve(ctx, stage)
		if rerr != nil {
			return errors.Wrap(errors.ErrDatabase, "storage relief failed", rerr)
		}

		logging.Warn("storage relief stage completed", map[string]interface{}{
			"op":      op,
			"stage":   stage,
			"removed": removed,
		})
		if s.opts.OnRelief != nil {
			s.opts.OnRelief(stage, removed)
		}

		err = write(ctx)
		if err == nil {
			return nil
		}
		if !isCapacityError(err) {
			return asStoreError(op, err)
		}
	}

	full := errors.Wrap(errors.ErrStorageFull, op, err)
	logging.ErrorWithCode("storage relief exhausted", string(errors.ErrStorageExhausted), full,
		map[string]interface{}{"op": op})
	return errors.Wrap(errors.ErrStorageExhausted, op+": storage exhausted after all relief stages", full)
}

// relieve runs one relief stage and returns the number of rows removed.
func (s *Store) relieve(ctx context.Context, stage int) (int64, error) {
	p := s.opts.Pressure
	switch stage {
	case StageRetention:
		cutoff := s.opts.Clock.Now().Add(-p.Retention)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM invoices WHERE synced = 1 AND created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	case StageSoftCap:
		return s.keepNewestSynced(ctx, p.SoftCap)
	case StageHardCap:
		return s.keepNewestSynced(ctx, p.HardCap)
	}
	return 0, nil
}

func (s *Store) keepNewestSynced(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM invoices
	WHERE synced = 1
	  AND id NOT IN (
		SELECT id FROM invoices WHERE synced = 1
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	  )`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func asStoreError(op string, err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return errors.Wrap(errors.ErrDatabase, op, err)
}
