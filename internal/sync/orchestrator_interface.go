// Package sync drives locally queued invoices to the remote endpoint.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/invoicesync/internal/remote"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerAuto     Trigger = "auto"
	TriggerPeriodic Trigger = "periodic"
	TriggerStartup  Trigger = "startup"
)

// Reasons a pass was skipped.
const (
	SkipBusy        = "busy"
	SkipUnreachable = "unreachable"
)

// PassResult is the aggregate outcome of one RunSyncPass call.
type PassResult struct {
	PassID      string        `json:"passId"`
	Trigger     Trigger       `json:"trigger"`
	Synced      int           `json:"synced"`
	Deferred    int           `json:"deferred"`
	Failed      int           `json:"failed"`
	Skipped     bool          `json:"skipped"`
	SkipReason  string        `json:"skipReason,omitempty"`
	Interrupted bool          `json:"interrupted"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
}

// Attempted returns how many records had a delivery attempt.
func (r PassResult) Attempted() int {
	return r.Synced + r.Deferred + r.Failed
}

// PassRunner runs sync passes. Implemented by *Orchestrator; the scheduler,
// the desktop handlers and the mobile bridge depend on this interface.
type PassRunner interface {
	RunSyncPass(ctx context.Context, trigger Trigger) (PassResult, error)
}

// Sender delivers one invoice to the remote endpoint.
type Sender interface {
	CreateInvoice(ctx context.Context, idempotencyKey string, req remote.CreateInvoiceRequest) (*remote.CreateInvoiceResponse, error)
}

// Reachability is the subset of the reachability monitor a pass consults.
type Reachability interface {
	IsReachable() bool
	ForceCheck(ctx context.Context) bool
}

// EventType identifies a SyncEvent.
type EventType string

const (
	EventPassStarted    EventType = "pass_started"
	EventRecordSynced   EventType = "record_synced"
	EventRecordDeferred EventType = "record_deferred"
	EventRecordFailed   EventType = "record_failed"
	EventPassCompleted  EventType = "pass_completed"
)

// SyncEvent is emitted during a pass.
type SyncEvent struct {
	Type        EventType   `json:"type"`
	PassID      string      `json:"passId"`
	InvoiceID   string      `json:"invoiceId,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      *PassResult `json:"result,omitempty"`
}

// SyncEventHandler receives sync events. Handlers run on the pass goroutine
// and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
