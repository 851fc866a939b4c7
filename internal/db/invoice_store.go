package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/models"
)

// StoreOptions configure a Store.
type StoreOptions struct {
	// MaxRecords is an optional quota on the number of invoice rows. 0 = unlimited.
	MaxRecords int64

	// Pressure is the relief policy applied when a write runs out of capacity.
	Pressure PressurePolicy

	// Clock stamps updated_at and computes the retention cutoff.
	Clock clockwork.Clock

	// OnRelief is called after each relief stage with the rows it removed.
	OnRelief func(stage int, removed int64)
}

// Store is the durable record store: invoices plus key/value settings.
// Every mutation touches a single row and is committed before returning.
type Store struct {
	db   *sql.DB
	opts StoreOptions

	stmtCache sync.Map // map[string]*sql.Stmt
}

// StoreStats summarizes the store contents.
type StoreStats struct {
	Total      int64 `json:"total"`
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Stamped    int64 `json:"stamped"`
	Failed     int64 `json:"failed"`
	Unsynced   int64 `json:"unsynced"`
	SizeBytes  int64 `json:"sizeBytes"`
}

// HumanSize renders SizeBytes for display.
func (s StoreStats) HumanSize() string {
	if s.SizeBytes < 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(s.SizeBytes))
}

const invoiceColumns = `id, server_id, customer_name, status, subtotal, vat, total, items,
	created_at, updated_at, synced, attempts, next_retry_at, last_error`

// NewStore creates a Store over an open database.
func NewStore(db *DB, opts StoreOptions) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Pressure == (PressurePolicy{}) {
		opts.Pressure = DefaultPressurePolicy()
	}
	return &Store{db: db.DB, opts: opts}
}

// prepare gets or creates a prepared statement from cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. The database itself is owned by the caller.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func (s *Store) nowMS() int64 {
	return s.opts.Clock.Now().UnixMilli()
}

// =====================================================
// Invoice operations
// =====================================================

// Append persists a new record. The record must be valid and unsynced.
func (s *Store) Append(ctx context.Context, rec *models.InvoiceRecord) error {
	if rec == nil {
		return errors.New(errors.ErrInvalid, "record is nil")
	}
	if err := rec.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid invoice", err)
	}
	if rec.IsSynced() {
		return errors.New(errors.ErrInvalid, "new records must be unsynced")
	}
	items, err := rec.ItemsJSON()
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid items", err)
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Synced = false

	return s.writeWithRelief(ctx, "append", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if s.opts.MaxRecords > 0 {
			var n int64
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices`).Scan(&n); err != nil {
				return err
			}
			if n >= s.opts.MaxRecords {
				return errQuotaExceeded
			}
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			rec.ID, nullString(rec.ServerID), rec.CustomerName, rec.Status,
			rec.Subtotal, rec.VAT, rec.Total, items,
			rec.CreatedAt, rec.UpdatedAt, rec.Attempts, nullInt64(rec.NextRetryAt), rec.LastError,
		)
		if err != nil {
			if isConstraintError(err) {
				return errors.Newf(errors.ErrDuplicate, "invoice %s already exists", rec.ID)
			}
			return err
		}
		return tx.Commit()
	})
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*models.InvoiceRecord, error) {
	stmt, err := s.prepare(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get invoice", err)
	}
	rec, err := scanInvoice(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "invoice %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get invoice", err)
	}
	return rec, nil
}

// ListAll returns every record, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*models.InvoiceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list invoices", err)
	}
	return collectInvoices(rows)
}

// ListDue returns unsynced, non-failed records whose next_retry_at is unset or
// not after now, oldest first. Records left in processing by an interrupted
// pass are included.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*models.InvoiceRecord, error) {
	stmt, err := s.prepare(ctx, `
	SELECT `+invoiceColumns+` FROM invoices
	WHERE synced = 0
	  AND status IN ('queued', 'processing')
	  AND (next_retry_at IS NULL OR next_retry_at <= ?)
	ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list due invoices", err)
	}
	rows, err := stmt.QueryContext(ctx, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list due invoices", err)
	}
	return collectInvoices(rows)
}

// MarkSynced records a remote acceptance. Attempts and retry metadata are cleared.
// A failed server status keeps the server id but leaves the record unsynced.
func (s *Store) MarkSynced(ctx context.Context, id, serverID string, status models.InvoiceStatus) error {
	if serverID == "" {
		return errors.New(errors.ErrInvalid, "server id is required")
	}
	if status != models.StatusStamped && status != models.StatusFailed {
		return errors.Newf(errors.ErrInvalid, "invalid post-sync status %q", status)
	}
	synced := status != models.StatusFailed
	lastError := ""
	if !synced {
		lastError = errors.New(errors.ErrRemoteRejected, "rejected by server").Error()
	}

	return s.updateOne(ctx, "mark synced", id, `
	UPDATE invoices
	SET server_id = ?, status = ?, synced = ?, attempts = 0, next_retry_at = NULL,
		last_error = ?, updated_at = ?
	WHERE id = ?`,
		serverID, status, boolToInt(synced), lastError, s.nowMS(), id)
}

// SetRetryMetadata persists the attempt count and next retry deadline of an unsynced record.
func (s *Store) SetRetryMetadata(ctx context.Context, id string, attempts int, nextRetryAt *time.Time) error {
	if attempts < 0 {
		return errors.New(errors.ErrInvalid, "attempts must not be negative")
	}
	var next interface{}
	if nextRetryAt != nil {
		next = nextRetryAt.UnixMilli()
	}

	return s.updateOne(ctx, "set retry metadata", id, `
	UPDATE invoices SET attempts = ?, next_retry_at = ?, updated_at = ?
	WHERE id = ? AND synced = 0`,
		attempts, next, s.nowMS(), id)
}

// SetStatus sets the status of an unsynced record.
func (s *Store) SetStatus(ctx context.Context, id string, status models.InvoiceStatus) error {
	if !status.Valid() {
		return errors.Newf(errors.ErrInvalid, "invalid status %q", status)
	}
	return s.updateOne(ctx, "set status", id, `
	UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND synced = 0`,
		status, s.nowMS(), id)
}

// SetLastError stores the most recent delivery failure for display.
func (s *Store) SetLastError(ctx context.Context, id, message string) error {
	return s.updateOne(ctx, "set last error", id, `
	UPDATE invoices SET last_error = ?, updated_at = ? WHERE id = ? AND synced = 0`,
		message, s.nowMS(), id)
}

// Requeue re-enters a failed or deferred record into the retry lifecycle now.
// Attempts are left as they are. A server id kept from a rejection is cleared,
// since only an accepted record carries one.
func (s *Store) Requeue(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case rec.Synced:
		return errors.Newf(errors.ErrInvalid, "invoice %s is already synced", id)
	case rec.Status == models.StatusProcessing:
		return errors.Newf(errors.ErrSyncInProgress, "invoice %s is being delivered", id)
	}

	return s.updateOne(ctx, "requeue", id, `
	UPDATE invoices SET status = 'queued', server_id = NULL, next_retry_at = NULL, updated_at = ?
	WHERE id = ? AND synced = 0`,
		s.nowMS(), id)
}

// RecoverInterrupted resets records left in processing by a crash back to queued.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	var n int64
	err := s.writeWithRelief(ctx, "recover interrupted", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'queued', updated_at = ?
		WHERE status = 'processing' AND synced = 0`, s.nowMS())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PruneSynced deletes synced records created before olderThan. Unsynced
// records are never removed.
func (s *Store) PruneSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM invoices WHERE synced = 1 AND created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "prune synced invoices", err)
	}
	return res.RowsAffected()
}

// Stats counts records per status and reports the database size.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, synced, COUNT(*) FROM invoices GROUP BY status, synced`)
	if err != nil {
		return st, errors.Wrap(errors.ErrDatabase, "invoice stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var synced int
		var n int64
		if err := rows.Scan(&status, &synced, &n); err != nil {
			return st, errors.Wrap(errors.ErrDatabase, "invoice stats", err)
		}
		st.Total += n
		if synced == 0 {
			st.Unsynced += n
		}
		switch models.InvoiceStatus(status) {
		case models.StatusQueued:
			st.Queued += n
		case models.StatusProcessing:
			st.Processing += n
		case models.StatusStamped:
			st.Stamped += n
		case models.StatusFailed:
			st.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return st, errors.Wrap(errors.ErrDatabase, "invoice stats", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return st, errors.Wrap(errors.ErrDatabase, "page count", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return st, errors.Wrap(errors.ErrDatabase, "page size", err)
	}
	st.SizeBytes = pageCount * pageSize
	return st, nil
}

// updateOne runs a single-row update through the relief cascade and maps a
// zero-row result onto NOT_FOUND (or INVALID_INPUT for an already synced record).
func (s *Store) updateOne(ctx context.Context, op, id, query string, args ...interface{}) error {
	var affected int64
	err := s.writeWithRelief(ctx, op, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missingOrSynced(ctx, id)
	}
	return nil
}

func (s *Store) missingOrSynced(ctx context.Context, id string) error {
	var synced int
	err := s.db.QueryRowContext(ctx, `SELECT synced FROM invoices WHERE id = ?`, id).Scan(&synced)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Newf(errors.ErrNotFound, "invoice %s not found", id)
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "lookup invoice", err)
	}
	return errors.Newf(errors.ErrInvalid, "invoice %s is already synced", id)
}

// =====================================================
// Settings operations
// =====================================================

// GetSetting returns the value for key and whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "get setting", err)
	}
	return value, true, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New(errors.ErrInvalid, "setting key is required")
	}
	return s.writeWithRelief(ctx, "set setting", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.nowMS())
		return err
	})
}

// DeleteSetting removes a setting. Deleting a missing key is not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return errors.Wrap(errors.ErrDatabase, "delete setting", err)
	}
	return nil
}

// =====================================================
// Scanning helpers
// =====================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*models.InvoiceRecord, error) {
	var rec models.InvoiceRecord
	var serverID sql.NullString
	var nextRetry sql.NullInt64
	var items string
	var synced int

	err := row.Scan(
		&rec.ID, &serverID, &rec.CustomerName, &rec.Status, &rec.Subtotal, &rec.VAT, &rec.Total,
		&items, &rec.CreatedAt, &rec.UpdatedAt, &synced, &rec.Attempts, &nextRetry, &rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		v := serverID.String
		rec.ServerID = &v
	}
	if nextRetry.Valid {
		v := nextRetry.Int64
		rec.NextRetryAt = &v
	}
	rec.Synced = synced == 1
	if err := rec.SetItemsJSON(items); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectInvoices(rows *sql.Rows) ([]*models.InvoiceRecord, error) {
	defer rows.Close()

	var out []*models.InvoiceRecord
	for rows.Next() {
		rec, err := scanInvoice(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan invoice", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "iterate invoices", err)
	}
	return out, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
