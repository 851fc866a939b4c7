// Package models provides unit tests for invoice records.
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestNewInvoiceRecord(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rec := NewInvoiceRecord("id-1", "Acme", []LineItem{
		{Description: "bread", Quantity: 2, UnitPrice: 1.5, VATRate: 0.1},
		{Description: "milk", Quantity: 1, UnitPrice: 2},
	}, now)

	assert.Equal(t, StatusQueued, rec.Status)
	assert.False(t, rec.Synced)
	assert.Zero(t, rec.Attempts)
	assert.Nil(t, rec.NextRetryAt)
	assert.Nil(t, rec.ServerID)
	assert.Equal(t, now.UnixMilli(), rec.CreatedAt)
	assert.InDelta(t, 5.0, rec.Subtotal, 1e-9)
	assert.InDelta(t, 0.3, rec.VAT, 1e-9)
	assert.InDelta(t, 5.3, rec.Total, 1e-9)
	assert.Equal(t, now, rec.CreatedAtTime())
}

func TestInvoiceRecord_Validate(t *testing.T) {
	now := time.Now()
	valid := NewInvoiceRecord("id", "", []LineItem{{Description: "x", Quantity: 1, UnitPrice: 1}}, now)
	require.NoError(t, valid.Validate())

	noItems := NewInvoiceRecord("id", "", nil, now)
	assert.Error(t, noItems.Validate())

	noID := NewInvoiceRecord("", "", valid.Items, now)
	assert.Error(t, noID.Validate())

	badQty := NewInvoiceRecord("id", "", []LineItem{{Quantity: 0, UnitPrice: 1}}, now)
	assert.Error(t, badQty.Validate())

	badStatus := NewInvoiceRecord("id", "", valid.Items, now)
	badStatus.Status = "archived"
	assert.Error(t, badStatus.Validate())
}

func TestInvoiceRecord_IsSynced(t *testing.T) {
	tests := []struct {
		name     string
		serverID *string
		status   InvoiceStatus
		want     bool
	}{
		{"no server id", nil, StatusQueued, false},
		{"empty server id", strPtr(""), StatusStamped, false},
		{"stamped", strPtr("srv-1"), StatusStamped, true},
		{"server id but failed", strPtr("srv-1"), StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &InvoiceRecord{ServerID: tt.serverID, Status: tt.status}
			assert.Equal(t, tt.want, r.IsSynced())
		})
	}
}

func TestInvoiceRecord_IsDue(t *testing.T) {
	now := time.UnixMilli(10_000)

	assert.True(t, (&InvoiceRecord{Status: StatusQueued}).IsDue(now))
	assert.True(t, (&InvoiceRecord{Status: StatusQueued, NextRetryAt: i64Ptr(10_000)}).IsDue(now))
	assert.False(t, (&InvoiceRecord{Status: StatusQueued, NextRetryAt: i64Ptr(10_001)}).IsDue(now))
	assert.False(t, (&InvoiceRecord{Status: StatusFailed}).IsDue(now))
	assert.False(t, (&InvoiceRecord{Status: StatusStamped, Synced: true}).IsDue(now))
	assert.True(t, (&InvoiceRecord{Status: StatusProcessing}).IsDue(now))
}

func TestInvoiceRecord_itemsJSON(t *testing.T) {
	r := &InvoiceRecord{Items: []LineItem{{Description: "tea", Quantity: 3, UnitPrice: 0.5}}}
	data, err := r.ItemsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"description":"tea","quantity":3,"unitPrice":0.5}]`, data)

	var back InvoiceRecord
	require.NoError(t, back.SetItemsJSON(data))
	assert.Equal(t, r.Items, back.Items)

	assert.Error(t, back.SetItemsJSON("{not json"))

	empty := &InvoiceRecord{}
	data, err = empty.ItemsJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", data)
}

func TestNormalizeServerStatus(t *testing.T) {
	assert.Equal(t, StatusStamped, NormalizeServerStatus("stamped"))
	assert.Equal(t, StatusStamped, NormalizeServerStatus("accepted"))
	assert.Equal(t, StatusStamped, NormalizeServerStatus(""))
	assert.Equal(t, StatusFailed, NormalizeServerStatus("rejected"))
	assert.Equal(t, StatusFailed, NormalizeServerStatus("failed"))
}

func TestNextRetryTime(t *testing.T) {
	assert.True(t, (&InvoiceRecord{}).NextRetryTime().IsZero())
	assert.Equal(t, time.UnixMilli(42), (&InvoiceRecord{NextRetryAt: i64Ptr(42)}).NextRetryTime())
}
