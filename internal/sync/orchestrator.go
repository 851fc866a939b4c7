package sync

import (
	"context"
	"encoding/json"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/kimhsiao/invoicesync/internal/db"
	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
	"github.com/kimhsiao/invoicesync/internal/models"
	"github.com/kimhsiao/invoicesync/internal/remote"
	"github.com/kimhsiao/invoicesync/internal/telemetry"
)

// Config holds orchestrator configuration.
type Config struct {
	Retry   RetryPolicy
	Clock   clockwork.Clock
	Metrics *telemetry.Metrics
	// Rand returns jitter in [0, 1). nil uses math/rand.
	Rand func() float64
}

// Orchestrator runs the per-record retry state machine:
//
//	queued -> processing -> stamped | queued (deferred) | failed
//
// A pass never sleeps. Retry timing lives in the persisted next_retry_at and
// the next pass, whoever triggers it, picks the record up once it is due.
type Orchestrator struct {
	store   db.SyncRepository
	sender  Sender
	reach   Reachability
	policy  RetryPolicy
	clock   clockwork.Clock
	metrics *telemetry.Metrics
	rnd     func() float64

	// slot admits one pass at a time; a second caller gets a skipped result.
	slot chan struct{}

	mu      stdsync.RWMutex
	handler SyncEventHandler
	last    *PassResult
}

// Status is a point-in-time view for callers and the UI.
type Status struct {
	Running   bool          `json:"running"`
	Reachable bool          `json:"reachable"`
	LastPass  *PassResult   `json:"lastPass,omitempty"`
	Store     db.StoreStats `json:"store"`
}

type recordOutcome int

const (
	outcomeNone recordOutcome = iota
	outcomeSynced
	outcomeDeferred
	outcomeFailed
)

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store db.SyncRepository, sender Sender, reach Reachability, cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		store:   store,
		sender:  sender,
		reach:   reach,
		policy:  cfg.Retry.withDefaults(),
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		rnd:     cfg.Rand,
		slot:    make(chan struct{}, 1),
	}
}

// SetEventHandler sets the handler for sync events. nil disables events.
func (o *Orchestrator) SetEventHandler(h SyncEventHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = h
}

// Policy returns the effective retry policy.
func (o *Orchestrator) Policy() RetryPolicy {
	return o.policy
}

// Running reports whether a pass is in progress.
func (o *Orchestrator) Running() bool {
	return len(o.slot) == 1
}

// RunSyncPass delivers every due record once, oldest first.
//
// A concurrent call returns immediately with a skipped, zero-count result.
// When the network is unreachable no record is touched. A retryable failure
// reschedules the record and moves on; it is never retried within the pass.
func (o *Orchestrator) RunSyncPass(ctx context.Context, trigger Trigger) (PassResult, error) {
	select {
	case o.slot <- struct{}{}:
	default:
		logging.Debug("sync pass already running, skipping", map[string]interface{}{
			"trigger": string(trigger),
		})
		o.metrics.ObservePass(string(trigger), telemetry.PassBusy, 0, 0, 0, 0)
		return PassResult{Trigger: trigger, Skipped: true, SkipReason: SkipBusy}, nil
	}
	defer func() { <-o.slot }()

	start := o.clock.Now()
	result := PassResult{
		PassID:    ulid.MustNew(ulid.Timestamp(start), ulid.DefaultEntropy()).String(),
		Trigger:   trigger,
		StartedAt: start,
	}

	if !o.reach.ForceCheck(ctx) {
		result.Skipped = true
		result.SkipReason = SkipUnreachable
		logging.Info("network unreachable, sync pass skipped", map[string]interface{}{
			"pass_id": result.PassID,
			"trigger": string(trigger),
		})
		o.finish(ctx, &result, telemetry.PassUnreachable)
		return result, nil
	}

	o.emit(SyncEvent{Type: EventPassStarted, PassID: result.PassID})

	due, err := o.store.ListDue(ctx, start)
	if err != nil {
		o.finish(ctx, &result, telemetry.PassError)
		return result, errors.Wrap(errors.ErrSyncFailed, "list due invoices", err)
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}

		outcome, transportErr := o.deliver(ctx, result.PassID, rec)
		switch outcome {
		case outcomeSynced:
			result.Synced++
		case outcomeDeferred:
			result.Deferred++
		case outcomeFailed:
			result.Failed++
		}

		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}
		// No response at all: the link may have dropped mid-pass. Stop instead
		// of burning an attempt on every remaining record.
		if transportErr && !o.reach.ForceCheck(ctx) {
			logging.Warn("network lost during sync pass, stopping", map[string]interface{}{
				"pass_id":   result.PassID,
				"remaining": len(due) - result.Attempted(),
			})
			result.Interrupted = true
			break
		}
	}

	outcome := telemetry.PassCompleted
	if result.Interrupted {
		outcome = telemetry.PassInterrupted
	}
	o.finish(ctx, &result, outcome)
	return result, nil
}

// deliver runs one record through processing and settles it. Store writes use
// a non-cancelable context so a record never stays in processing because the
// caller went away.
func (o *Orchestrator) deliver(ctx context.Context, passID string, rec *models.InvoiceRecord) (recordOutcome, bool) {
	wctx := context.WithoutCancel(ctx)
	fields := map[string]interface{}{"pass_id": passID, "invoice_id": rec.ID}

	if err := o.store.SetStatus(wctx, rec.ID, models.StatusProcessing); err != nil {
		logging.Error("failed to mark invoice processing", err, fields)
		return outcomeNone, false
	}

	resp, err := o.sender.CreateInvoice(ctx, rec.ID, remote.CreateInvoiceRequest{
		CustomerName: rec.CustomerName,
		Items:        rec.Items,
	})
	if err == nil {
		return o.onAccepted(wctx, passID, rec, resp), false
	}

	if ctx.Err() != nil {
		// Canceled by the caller, not a delivery failure: no attempt is charged.
		o.restoreQueued(wctx, rec.ID, fields)
		return outcomeNone, false
	}

	cause := deliveryError(err)
	fields["error"] = cause.Error()
	fields["status_code"] = remote.StatusCode(err)
	if remote.Classify(err) == remote.ClassRetryable {
		return o.onRetryable(wctx, passID, rec, cause), remote.IsTransportError(err)
	}
	return o.markFailed(wctx, passID, rec, rec.Attempts+1, cause), false
}

// deliveryError tags a CreateInvoice failure with the code stored in
// last_error and carried on record events.
func deliveryError(err error) error {
	switch {
	case remote.IsTimeout(err):
		return errors.Wrap(errors.ErrRemoteTimeout, "deliver invoice", err)
	case remote.Classify(err) == remote.ClassRetryable:
		return errors.Wrap(errors.ErrRemoteUnavailable, "deliver invoice", err)
	default:
		return errors.Wrap(errors.ErrRemoteRejected, "deliver invoice", err)
	}
}

func (o *Orchestrator) onAccepted(ctx context.Context, passID string, rec *models.InvoiceRecord, resp *remote.CreateInvoiceResponse) recordOutcome {
	fields := map[string]interface{}{"pass_id": passID, "invoice_id": rec.ID, "server_id": resp.InvoiceID}

	status := models.NormalizeServerStatus(resp.Status)
	if err := o.store.MarkSynced(ctx, rec.ID, resp.InvoiceID, status); err != nil {
		// The remote has it; resending with the same key is safe.
		logging.Error("remote accepted invoice but local update failed", err, fields)
		o.restoreQueued(ctx, rec.ID, fields)
		return outcomeDeferred
	}

	if status == models.StatusFailed {
		fields["server_status"] = resp.Status
		logging.Warn("invoice rejected by server", fields)
		o.emit(SyncEvent{
			Type: EventRecordFailed, PassID: passID, InvoiceID: rec.ID,
			Error: errors.New(errors.ErrRemoteRejected, "rejected by server").Error(),
		})
		return outcomeFailed
	}

	logging.Debug("invoice synced", fields)
	o.emit(SyncEvent{Type: EventRecordSynced, PassID: passID, InvoiceID: rec.ID})
	return outcomeSynced
}

func (o *Orchestrator) onRetryable(ctx context.Context, passID string, rec *models.InvoiceRecord, cause error) recordOutcome {
	attempts := rec.Attempts + 1
	if o.policy.Exhausted(attempts) {
		return o.markFailed(ctx, passID, rec, attempts, cause)
	}

	delay := o.policy.Backoff(attempts, o.rnd)
	if ra := retryAfter(cause); ra > delay {
		delay = min(ra, o.policy.Cap)
	}
	next := o.clock.Now().Add(delay)

	fields := map[string]interface{}{
		"pass_id":       passID,
		"invoice_id":    rec.ID,
		"attempts":      attempts,
		"next_retry_at": next.UTC().Format(time.RFC3339),
		"error":         cause.Error(),
	}

	if err := o.store.SetRetryMetadata(ctx, rec.ID, attempts, &next); err != nil {
		logging.Error("failed to persist retry metadata", err, fields)
	}
	if err := o.store.SetLastError(ctx, rec.ID, cause.Error()); err != nil {
		logging.Error("failed to persist last error", err, fields)
	}
	o.restoreQueued(ctx, rec.ID, fields)

	logging.Info("invoice delivery deferred", fields)
	o.emit(SyncEvent{
		Type: EventRecordDeferred, PassID: passID, InvoiceID: rec.ID,
		Attempts: attempts, NextRetryAt: &next, Error: cause.Error(),
	})
	return outcomeDeferred
}

func (o *Orchestrator) markFailed(ctx context.Context, passID string, rec *models.InvoiceRecord, attempts int, cause error) recordOutcome {
	fields := map[string]interface{}{
		"pass_id":    passID,
		"invoice_id": rec.ID,
		"attempts":   attempts,
		"error":      cause.Error(),
	}

	if err := o.store.SetRetryMetadata(ctx, rec.ID, attempts, nil); err != nil {
		logging.Error("failed to persist attempts", err, fields)
	}
	if err := o.store.SetLastError(ctx, rec.ID, cause.Error()); err != nil {
		logging.Error("failed to persist last error", err, fields)
	}
	if err := o.store.SetStatus(ctx, rec.ID, models.StatusFailed); err != nil {
		logging.Error("failed to mark invoice failed", err, fields)
		o.restoreQueued(ctx, rec.ID, fields)
		return outcomeDeferred
	}

	logging.Warn("invoice delivery failed", fields)
	o.emit(SyncEvent{
		Type: EventRecordFailed, PassID: passID, InvoiceID: rec.ID,
		Attempts: attempts, Error: cause.Error(),
	})
	return outcomeFailed
}

// restoreQueued takes a record out of processing.
func (o *Orchestrator) restoreQueued(ctx context.Context, id string, fields map[string]interface{}) {
	if err := o.store.SetStatus(ctx, id, models.StatusQueued); err != nil {
		logging.Error("failed to requeue invoice", err, fields)
	}
}

func retryAfter(err error) time.Duration {
	var se *remote.StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// finish records duration, metrics and the persisted pass summary.
func (o *Orchestrator) finish(ctx context.Context, result *PassResult, outcome string) {
	result.Duration = o.clock.Since(result.StartedAt)
	o.metrics.ObservePass(string(result.Trigger), outcome,
		result.Synced, result.Deferred, result.Failed, result.Duration)

	o.mu.Lock()
	saved := *result
	o.last = &saved
	o.mu.Unlock()

	wctx := context.WithoutCancel(ctx)
	if data, err := json.Marshal(result); err == nil {
		if err := o.store.SetSetting(wctx, models.SettingLastPassResult, string(data)); err != nil {
			logging.Error("failed to persist pass result", err)
		}
		if err := o.store.SetSetting(wctx, models.SettingLastPassAt,
			strconv.FormatInt(result.StartedAt.UnixMilli(), 10)); err != nil {
			logging.Error("failed to persist pass time", err)
		}
	}
	if st, err := o.store.Stats(wctx); err == nil {
		o.metrics.SetPending(st.Unsynced)
	}

	if !result.Skipped {
		logging.Info("sync pass completed", map[string]interface{}{
			"pass_id":     result.PassID,
			"trigger":     string(result.Trigger),
			"synced":      result.Synced,
			"deferred":    result.Deferred,
			"failed":      result.Failed,
			"interrupted": result.Interrupted,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}
	o.emit(SyncEvent{Type: EventPassCompleted, PassID: result.PassID, Result: &saved})
}

func (o *Orchestrator) emit(event SyncEvent) {
	o.mu.RLock()
	h := o.handler
	o.mu.RUnlock()
	if h != nil {
		h.OnSyncEvent(event)
	}
}

// LastResult returns the most recent pass result, falling back to the summary
// persisted by a previous process. nil when no pass has ever run.
func (o *Orchestrator) LastResult(ctx context.Context) (*PassResult, error) {
	o.mu.RLock()
	last := o.last
	o.mu.RUnlock()
	if last != nil {
		out := *last
		return &out, nil
	}

	raw, ok, err := o.store.GetSetting(ctx, models.SettingLastPassResult)
	if err != nil || !ok {
		return nil, err
	}
	var out PassResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "decode last pass result", err)
	}
	return &out, nil
}

// Retry re-enters a failed record into the retry lifecycle with its attempts as-is.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	if err := o.store.Requeue(ctx, id); err != nil {
		return err
	}
	logging.Info("invoice requeued by user", map[string]interface{}{"invoice_id": id})
	return nil
}

// Status returns a snapshot of the subsystem.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st, err := o.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := o.LastResult(ctx)
	if err != nil {
		logging.Warn("could not load last pass result", map[string]interface{}{"error": err.Error()})
	}
	return Status{
		Running:   o.Running(),
		Reachable: o.reach.IsReachable(),
		LastPass:  last,
		Store:     st,
	}, nil
}
