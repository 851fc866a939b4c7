// Package models provides data model definitions for the invoice sync subsystem.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// InvoiceStatus is the sync lifecycle state of a locally recorded invoice.
type InvoiceStatus string

const (
	// StatusQueued: waiting for (another) delivery attempt.
	StatusQueued InvoiceStatus = "queued"
	// StatusProcessing: a delivery attempt is in flight. Transient.
	StatusProcessing InvoiceStatus = "processing"
	// StatusStamped: accepted by the remote endpoint.
	StatusStamped InvoiceStatus = "stamped"
	// StatusFailed: terminal until the user retries explicitly.
	StatusFailed InvoiceStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusStamped, StatusFailed:
		return true
	}
	return false
}

// NormalizeServerStatus maps the status string returned by the remote endpoint
// onto a local status. Anything other than an explicit rejection counts as stamped.
func NormalizeServerStatus(s string) InvoiceStatus {
	switch s {
	case "failed", "rejected":
		return StatusFailed
	default:
		return StatusStamped
	}
}

// LineItem is one line of an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	VATRate     float64 `json:"vatRate,omitempty"`
}

// Amount returns quantity times unit price.
func (li LineItem) Amount() float64 {
	return li.Quantity * li.UnitPrice
}

// InvoiceRecord is the unit of synchronization.
// Timestamps are Unix milliseconds.
type InvoiceRecord struct {
	ID           string        `db:"id" json:"id"`
	ServerID     *string       `db:"server_id" json:"serverId"`
	CustomerName string        `db:"customer_name" json:"customerName,omitempty"`
	Status       InvoiceStatus `db:"status" json:"status"`
	Subtotal     float64       `db:"subtotal" json:"subtotal"`
	VAT          float64       `db:"vat" json:"vat"`
	Total        float64       `db:"total" json:"total"`
	Items        []LineItem    `db:"items" json:"items"`
	CreatedAt    int64         `db:"created_at" json:"createdAt"`
	UpdatedAt    int64         `db:"updated_at" json:"updatedAt"`
	Synced       bool          `db:"synced" json:"synced"`
	Attempts     int           `db:"attempts" json:"attempts"`
	NextRetryAt  *int64        `db:"next_retry_at" json:"nextRetryAt"`
	LastError    string        `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for InvoiceRecord.
func (InvoiceRecord) TableName() string {
	return "invoices"
}

// NewInvoiceRecord builds a queued, unsynced record with totals computed from items.
func NewInvoiceRecord(id, customerName string, items []LineItem, now time.Time) *InvoiceRecord {
	rec := &InvoiceRecord{
		ID:           id,
		CustomerName: customerName,
		Status:       StatusQueued,
		Items:        items,
		CreatedAt:    now.UnixMilli(),
		UpdatedAt:    now.UnixMilli(),
	}
	rec.ComputeTotals()
	return rec
}

// ComputeTotals recomputes Subtotal, VAT and Total from the line items.
func (r *InvoiceRecord) ComputeTotals() {
	var subtotal, vat float64
	for _, li := range r.Items {
		subtotal += li.Amount()
		vat += li.Amount() * li.VATRate
	}
	r.Subtotal = subtotal
	r.VAT = vat
	r.Total = subtotal + vat
}

// Validate checks the fields the invoice-entry collaborator must supply.
func (r *InvoiceRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("invoice id is required")
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("invoice %s has no items", r.ID)
	}
	for i, li := range r.Items {
		if li.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if li.UnitPrice < 0 {
			return fmt.Errorf("item %d: unit price must not be negative", i)
		}
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	return nil
}

// IsSynced recomputes the derived synced flag: a server id is present and the
// record is not failed.
func (r *InvoiceRecord) IsSynced() bool {
	return r.ServerID != nil && *r.ServerID != "" && r.Status != StatusFailed
}

// IsDue reports whether the record should be attempted by a pass running at now.
func (r *InvoiceRecord) IsDue(now time.Time) bool {
	if r.Synced || r.Status == StatusFailed {
		return false
	}
	return r.NextRetryAt == nil || *r.NextRetryAt <= now.UnixMilli()
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *InvoiceRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// NextRetryTime returns NextRetryAt as time.Time, or the zero time when unset.
func (r *InvoiceRecord) NextRetryTime() time.Time {
	if r.NextRetryAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*r.NextRetryAt)
}

// ItemsJSON serializes the line items for the items column.
func (r *InvoiceRecord) ItemsJSON() (string, error) {
	if r.Items == nil {
		return "[]", nil
	}
	data, err := json.Marshal(r.Items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}
	return string(data), nil
}

// SetItemsJSON parses the items column.
func (r *InvoiceRecord) SetItemsJSON(data string) error {
	if data == "" {
		r.Items = nil
		return nil
	}
	if err := json.Unmarshal([]byte(data), &r.Items); err != nil {
		return fmt.Errorf("unmarshal items: %w", err)
	}
	return nil
}
