package db

import (
	"context"
	"time"

	"github.com/kimhsiao/invoicesync/internal/models"
)

// InvoiceStore defines invoice persistence used by the sync orchestrator.
// This interface allows mocking for testing.
type InvoiceStore interface {
	// Append persists a new unsynced record.
	Append(ctx context.Context, rec *models.InvoiceRecord) error

	// Get returns one record by id.
	Get(ctx context.Context, id string) (*models.InvoiceRecord, error)

	// ListAll returns every record, oldest first.
	ListAll(ctx context.Context) ([]*models.InvoiceRecord, error)

	// ListDue returns records due at now, oldest first.
	ListDue(ctx context.Context, now time.Time) ([]*models.InvoiceRecord, error)

	MarkSynced(ctx context.Context, id, serverID string, status models.InvoiceStatus) error
	SetRetryMetadata(ctx context.Context, id string, attempts int, nextRetryAt *time.Time) error
	SetStatus(ctx context.Context, id string, status models.InvoiceStatus) error
	SetLastError(ctx context.Context, id, message string) error

	// PruneSynced deletes synced records created before olderThan.
	PruneSynced(ctx context.Context, olderThan time.Time) (int64, error)

	// Requeue makes a failed or deferred record due now, keeping its attempts.
	Requeue(ctx context.Context, id string) error

	// RecoverInterrupted resets records left in processing back to queued.
	RecoverInterrupted(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (StoreStats, error)
}

// SettingsStore defines the key/value half of the store.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// SyncRepository combines what a sync pass needs.
type SyncRepository interface {
	InvoiceStore
	SettingsStore
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ InvoiceStore   = (*Store)(nil)
	_ SettingsStore  = (*Store)(nil)
	_ SyncRepository = (*Store)(nil)
)
