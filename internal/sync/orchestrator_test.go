package sync

import (
	"context"
	"io"
	"net/http"
	stdsync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/invoicesync/internal/db"
	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/models"
	"github.com/kimhsiao/invoicesync/internal/remote"
	"github.com/kimhsiao/invoicesync/internal/telemetry"
	"github.com/kimhsiao/invoicesync/internal/testutil"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// fakeReach answers ForceCheck from a script, then repeats the last value.
type fakeReach struct {
	mu     stdsync.Mutex
	script []bool
	value  bool
	checks int
}

func newReach(values ...bool) *fakeReach {
	r := &fakeReach{script: values}
	if len(values) > 0 {
		r.value = values[0]
	}
	return r
}

func (r *fakeReach) IsReachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

func (r *fakeReach) ForceCheck(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	if len(r.script) > 0 {
		r.value = r.script[0]
		if len(r.script) > 1 {
			r.script = r.script[1:]
		}
	}
	return r.value
}

type eventLog struct {
	mu     stdsync.Mutex
	events []SyncEvent
}

func (l *eventLog) OnSyncEvent(e SyncEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	store   *db.Store
	fake    *testutil.FakeEndpoint
	reach   *fakeReach
	clock   *clockwork.FakeClock
	orch    *Orchestrator
	metrics *telemetry.Metrics
	events  *eventLog
}

func newHarness(t *testing.T, reach *fakeReach) *harness {
	t.Helper()
	database, err := db.OpenMemory(db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := clockwork.NewFakeClockAt(epoch)
	store := db.NewStore(database, db.StoreOptions{Clock: clock})
	t.Cleanup(func() { store.Close() })

	fake := testutil.NewFakeEndpoint(t)
	client, err := remote.NewClient(remote.Config{BaseURL: fake.URL(), Timeout: 5 * time.Second})
	require.NoError(t, err)

	h := &harness{
		store:   store,
		fake:    fake,
		reach:   reach,
		clock:   clock,
		metrics: telemetry.New(false),
		events:  &eventLog{},
	}
	h.orch = NewOrchestrator(store, client, reach, Config{
		Clock:   clock,
		Metrics: h.metrics,
		Rand:    func() float64 { return 0 },
	})
	h.orch.SetEventHandler(h.events)
	return h
}

func (h *harness) add(t *testing.T, id string, createdAt time.Time) {
	t.Helper()
	rec := models.NewInvoiceRecord(id, "Customer "+id, []models.LineItem{
		{Description: "item", Quantity: 1, UnitPrice: 10, VATRate: 0.16},
	}, createdAt)
	require.NoError(t, h.store.Append(context.Background(), rec))
}

func (h *harness) get(t *testing.T, id string) *models.InvoiceRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) run(t *testing.T) PassResult {
	t.Helper()
	res, err := h.orch.RunSyncPass(context.Background(), TriggerManual)
	require.NoError(t, err)
	return res
}

func counts(r PassResult) [3]int {
	return [3]int{r.Synced, r.Deferred, r.Failed}
}

func TestRunSyncPass_success(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch.Add(-2*time.Minute))
	h.add(t, "b", epoch.Add(-time.Minute))

	res := h.run(t)
	assert.Equal(t, [3]int{2, 0, 0}, counts(res))
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.PassID)
	assert.Equal(t, TriggerManual, res.Trigger)
	assert.Equal(t, epoch, res.StartedAt)

	for _, id := range []string{"a", "b"} {
		rec := h.get(t, id)
		assert.True(t, rec.Synced)
		assert.Equal(t, models.StatusStamped, rec.Status)
		require.NotNil(t, rec.ServerID)
		stored, ok := h.fake.Invoice(id)
		require.True(t, ok)
		assert.Equal(t, stored.ServerID, *rec.ServerID)
		assert.Equal(t, "Customer "+id, stored.CustomerName)
		assert.Zero(t, rec.Attempts)
		assert.Nil(t, rec.NextRetryAt)
	}

	// Nothing left to do.
	res = h.run(t)
	assert.Equal(t, [3]int{0, 0, 0}, counts(res))
	assert.Len(t, h.fake.Calls(), 2)
}

// An unreachable network touches zero records.
func TestRunSyncPass_unreachableShortCircuit(t *testing.T) {
	h := newHarness(t, newReach(false))
	h.add(t, "a", epoch)
	before := h.get(t, "a")

	res := h.run(t)
	assert.Equal(t, [3]int{0, 0, 0}, counts(res))
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipUnreachable, res.SkipReason)
	assert.Empty(t, h.fake.Calls())
	assert.Equal(t, 1, h.reach.checks, "reachability is force-checked, not read from cache")

	after := h.get(t, "a")
	assert.Equal(t, before, after)
}

// A 503 defers: status back to queued, attempts=1, next_retry_at in the future.
func TestRunSyncPass_deferredOn503(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.FailNext("a", http.StatusServiceUnavailable)

	res := h.run(t)
	assert.Equal(t, [3]int{0, 1, 0}, counts(res))

	rec := h.get(t, "a")
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.False(t, rec.Synced)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.NextRetryAt)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), *rec.NextRetryAt)
	assert.Contains(t, rec.LastError, "503")
	assert.Contains(t, rec.LastError, string(errors.ErrRemoteUnavailable))
	assert.Len(t, h.fake.Calls(), 1, "no second attempt within the pass")

	// Not due yet.
	res = h.run(t)
	assert.Equal(t, [3]int{0, 0, 0}, counts(res))
	assert.Len(t, h.fake.Calls(), 1)

	// Due once the deadline passes.
	h.clock.Advance(time.Minute)
	res = h.run(t)
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))
	rec = h.get(t, "a")
	assert.True(t, rec.Synced)
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestRunSyncPass_retryableStatuses(t *testing.T) {
	for _, status := range []int{500, 502, 504, http.StatusRequestTimeout, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			h := newHarness(t, newReach(true))
			h.add(t, "a", epoch)
			h.fake.FailNext("a", status)

			res := h.run(t)
			assert.Equal(t, [3]int{0, 1, 0}, counts(res))
		})
	}
}

// A 400 is terminal: failed with next_retry_at=null.
func TestRunSyncPass_terminalOn400(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.FailNext("a", http.StatusBadRequest)

	res := h.run(t)
	assert.Equal(t, [3]int{0, 0, 1}, counts(res))

	rec := h.get(t, "a")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Nil(t, rec.NextRetryAt)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.Synced)
	assert.Contains(t, rec.LastError, string(errors.ErrRemoteRejected))

	// Failed records wait for the user.
	h.clock.Advance(24 * time.Hour)
	res = h.run(t)
	assert.Equal(t, [3]int{0, 0, 0}, counts(res))
	assert.Len(t, h.fake.Calls(), 1)
}

func TestDeliveryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"503", &remote.StatusError{StatusCode: http.StatusServiceUnavailable}, errors.ErrRemoteUnavailable},
		{"429", &remote.StatusError{StatusCode: http.StatusTooManyRequests}, errors.ErrRemoteUnavailable},
		{"408", &remote.StatusError{StatusCode: http.StatusRequestTimeout}, errors.ErrRemoteTimeout},
		{"deadline", &remote.TransportError{Op: "create invoice", Err: context.DeadlineExceeded}, errors.ErrRemoteTimeout},
		{"malformed", &remote.MalformedResponseError{StatusCode: http.StatusOK, Err: io.ErrUnexpectedEOF}, errors.ErrRemoteUnavailable},
		{"400", &remote.StatusError{StatusCode: http.StatusBadRequest}, errors.ErrRemoteRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := deliveryError(tt.err)
			assert.Equal(t, tt.want, errors.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRunSyncPass_terminalStatuses(t *testing.T) {
	for _, status := range []int{401, 403, 404, 409, 422} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			h := newHarness(t, newReach(true))
			h.add(t, "a", epoch)
			h.fake.FailNext("a", status)

			res := h.run(t)
			assert.Equal(t, [3]int{0, 0, 1}, counts(res))
		})
	}
}

// Five retryable failures end in failed on the fifth attempt, never beyond.
func TestRunSyncPass_exhaustion(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.FailAll(http.StatusServiceUnavailable)

	for attempt := 1; attempt <= 4; attempt++ {
		res := h.run(t)
		assert.Equal(t, [3]int{0, 1, 0}, counts(res), "attempt %d", attempt)
		rec := h.get(t, "a")
		assert.Equal(t, models.StatusQueued, rec.Status)
		assert.Equal(t, attempt, rec.Attempts)
		require.NotNil(t, rec.NextRetryAt)
		assert.Equal(t, h.clock.Now().Add(h.orch.Policy().Delay(attempt)).UnixMilli(), *rec.NextRetryAt)
		h.clock.Advance(time.Hour)
	}

	res := h.run(t)
	assert.Equal(t, [3]int{0, 0, 1}, counts(res))
	rec := h.get(t, "a")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Nil(t, rec.NextRetryAt)

	h.clock.Advance(time.Hour)
	res = h.run(t)
	assert.Equal(t, [3]int{0, 0, 0}, counts(res))
	assert.Equal(t, 5, h.get(t, "a").Attempts)
	assert.Len(t, h.fake.Calls(), 5)
}

// Due records are attempted oldest first.
func TestRunSyncPass_fifo(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "newest", epoch.Add(-1*time.Minute))
	h.add(t, "oldest", epoch.Add(-3*time.Minute))
	h.add(t, "middle", epoch.Add(-2*time.Minute))

	res := h.run(t)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, []string{"oldest", "middle", "newest"}, h.fake.CallKeys())
}

// A concurrent pass is a no-op returning zero counts.
func TestRunSyncPass_atMostOnePass(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.Hold()

	first := make(chan PassResult, 1)
	go func() {
		res, _ := h.orch.RunSyncPass(context.Background(), TriggerManual)
		first <- res
	}()

	select {
	case <-h.fake.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the endpoint")
	}
	assert.True(t, h.orch.Running())

	second, err := h.orch.RunSyncPass(context.Background(), TriggerAuto)
	require.NoError(t, err)
	assert.Equal(t, [3]int{0, 0, 0}, counts(second))
	assert.True(t, second.Skipped)
	assert.Equal(t, SkipBusy, second.SkipReason)

	h.fake.Release()
	res := <-first
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))
	assert.False(t, h.orch.Running())
	assert.Len(t, h.fake.Calls(), 1)

	n, err := promtest.GatherAndCount(h.metrics.Registry(), "invoicesync_sync_passes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "completed and busy series")
}

// A lost response followed by a resend yields one remote invoice.
func TestRunSyncPass_idempotentResend(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.LoseResponse("a")

	res := h.run(t)
	assert.Equal(t, [3]int{0, 1, 0}, counts(res))
	assert.Equal(t, 1, h.fake.Created(), "server accepted the first attempt")

	h.clock.Advance(time.Minute)
	res = h.run(t)
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))

	assert.Equal(t, 1, h.fake.Created())
	assert.Equal(t, []string{"a", "a"}, h.fake.CallKeys())
	rec := h.get(t, "a")
	assert.True(t, rec.Synced)
	stored, _ := h.fake.Invoice("a")
	assert.Equal(t, stored.ServerID, *rec.ServerID)
}

// Losing the network mid-pass stops the pass; later records stay untouched.
func TestRunSyncPass_stopsWhenNetworkDrops(t *testing.T) {
	h := newHarness(t, newReach(true, false))
	h.add(t, "a", epoch.Add(-3*time.Minute))
	h.add(t, "b", epoch.Add(-2*time.Minute))
	h.add(t, "c", epoch.Add(-1*time.Minute))
	h.fake.LoseResponse("a")

	res := h.run(t)
	assert.Equal(t, [3]int{0, 1, 0}, counts(res))
	assert.True(t, res.Interrupted)
	assert.Equal(t, []string{"a"}, h.fake.CallKeys())

	for _, id := range []string{"b", "c"} {
		rec := h.get(t, id)
		assert.Equal(t, models.StatusQueued, rec.Status)
		assert.Zero(t, rec.Attempts)
		assert.Nil(t, rec.NextRetryAt)
	}
}

// Status failures do not trigger a reachability re-check.
func TestRunSyncPass_statusErrorDoesNotRecheck(t *testing.T) {
	h := newHarness(t, newReach(true, false))
	h.add(t, "a", epoch.Add(-2*time.Minute))
	h.add(t, "b", epoch.Add(-1*time.Minute))
	h.fake.FailNext("a", http.StatusServiceUnavailable)

	res := h.run(t)
	assert.Equal(t, [3]int{1, 1, 0}, counts(res))
	assert.Equal(t, 1, h.reach.checks)
}

// Each record's outcome is isolated from the others.
func TestRunSyncPass_mixedOutcomes(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "ok", epoch.Add(-3*time.Minute))
	h.add(t, "later", epoch.Add(-2*time.Minute))
	h.add(t, "bad", epoch.Add(-1*time.Minute))
	h.fake.FailNext("later", http.StatusTooManyRequests)
	h.fake.FailNext("bad", http.StatusUnprocessableEntity)

	res := h.run(t)
	assert.Equal(t, [3]int{1, 1, 1}, counts(res))
	assert.Equal(t, models.StatusStamped, h.get(t, "ok").Status)
	assert.Equal(t, models.StatusQueued, h.get(t, "later").Status)
	assert.Equal(t, models.StatusFailed, h.get(t, "bad").Status)

	assert.Equal(t, []EventType{
		EventPassStarted, EventRecordSynced, EventRecordDeferred, EventRecordFailed, EventPassCompleted,
	}, h.events.types())
}

func TestRunSyncPass_serverRejected(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.RespondStatus("rejected")

	res := h.run(t)
	assert.Equal(t, [3]int{0, 0, 1}, counts(res))

	rec := h.get(t, "a")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.False(t, rec.Synced)
	assert.NotNil(t, rec.ServerID)
	assert.Contains(t, rec.LastError, string(errors.ErrRemoteRejected))
}

func TestRetry_afterServerRejected(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.RespondStatus("rejected")
	h.run(t)
	rejected := h.get(t, "a")
	require.NotNil(t, rejected.ServerID)

	require.NoError(t, h.orch.Retry(context.Background(), "a"))
	rec := h.get(t, "a")
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Nil(t, rec.ServerID)
	assert.Equal(t, rec.IsSynced(), rec.Synced)

	h.fake.RespondStatus("stamped")
	res := h.run(t)
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))

	rec = h.get(t, "a")
	assert.True(t, rec.Synced)
	assert.Equal(t, models.StatusStamped, rec.Status)
	require.NotNil(t, rec.ServerID)
	assert.Equal(t, *rejected.ServerID, *rec.ServerID, "same idempotency key, same remote invoice")
	assert.Equal(t, 1, h.fake.Created())
}

func TestRunSyncPass_malformedResponseDefers(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.MalformNext("a")

	res := h.run(t)
	assert.Equal(t, [3]int{0, 1, 0}, counts(res))

	h.clock.Advance(time.Minute)
	res = h.run(t)
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))
	assert.Equal(t, 1, h.fake.Created())
}

func TestRunSyncPass_recoversOrphanedProcessing(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	require.NoError(t, h.store.SetStatus(context.Background(), "a", models.StatusProcessing))

	res := h.run(t)
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))
}

type stubSender struct {
	fn func(ctx context.Context, key string) (*remote.CreateInvoiceResponse, error)
}

func (s stubSender) CreateInvoice(ctx context.Context, key string, _ remote.CreateInvoiceRequest) (*remote.CreateInvoiceResponse, error) {
	return s.fn(ctx, key)
}

func newStubHarness(t *testing.T, sender Sender) (*Orchestrator, *db.Store, *clockwork.FakeClock) {
	t.Helper()
	database, err := db.OpenMemory(db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	clock := clockwork.NewFakeClockAt(epoch)
	store := db.NewStore(database, db.StoreOptions{Clock: clock})
	orch := NewOrchestrator(store, sender, newReach(true), Config{
		Clock: clock,
		Rand:  func() float64 { return 0 },
	})
	return orch, store, clock
}

func TestRunSyncPass_honorsRetryAfter(t *testing.T) {
	orch, store, clock := newStubHarness(t, stubSender{fn: func(context.Context, string) (*remote.CreateInvoiceResponse, error) {
		return nil, &remote.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 10 * time.Minute}
	}})
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, models.NewInvoiceRecord("a", "", []models.LineItem{{Quantity: 1}}, epoch)))

	res, err := orch.RunSyncPass(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	rec, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute).UnixMilli(), *rec.NextRetryAt)
}

func TestRunSyncPass_canceledMidDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, store, _ := newStubHarness(t, stubSender{fn: func(ctx context.Context, _ string) (*remote.CreateInvoiceResponse, error) {
		cancel()
		return nil, &remote.TransportError{Op: "create invoice", Err: ctx.Err()}
	}})
	require.NoError(t, store.Append(context.Background(), models.NewInvoiceRecord("a", "", []models.LineItem{{Quantity: 1}}, epoch)))
	require.NoError(t, store.Append(context.Background(), models.NewInvoiceRecord("b", "", []models.LineItem{{Quantity: 1}}, epoch.Add(time.Second))))

	res, err := orch.RunSyncPass(ctx, TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, [3]int{0, 0, 0}, counts(res))

	for _, id := range []string{"a", "b"} {
		rec, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, rec.Status, id)
		assert.Zero(t, rec.Attempts, id)
	}
}

func TestLastResult_persisted(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	res := h.run(t)

	last, err := h.orch.LastResult(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, res.PassID, last.PassID)

	// A fresh orchestrator over the same store reads the persisted summary.
	other := NewOrchestrator(h.store, nil, h.reach, Config{Clock: h.clock})
	last, err = other.LastResult(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, res.PassID, last.PassID)
	assert.Equal(t, 1, last.Synced)

	at, ok, err := h.store.GetSetting(context.Background(), models.SettingLastPassAt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, at)
}

func TestLastResult_none(t *testing.T) {
	h := newHarness(t, newReach(true))
	last, err := h.orch.LastResult(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRetry(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.fake.FailNext("a", http.StatusBadRequest)
	h.run(t)
	require.Equal(t, models.StatusFailed, h.get(t, "a").Status)

	require.NoError(t, h.orch.Retry(context.Background(), "a"))
	rec := h.get(t, "a")
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	res := h.run(t)
	assert.Equal(t, [3]int{1, 0, 0}, counts(res))
}

func TestStatus(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.add(t, "b", epoch)
	h.fake.FailNext("b", http.StatusServiceUnavailable)
	h.run(t)

	st, err := h.orch.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.True(t, st.Reachable)
	require.NotNil(t, st.LastPass)
	assert.Equal(t, 1, st.LastPass.Synced)
	assert.EqualValues(t, 2, st.Store.Total)
	assert.EqualValues(t, 1, st.Store.Unsynced)
}

func TestRunSyncPass_metrics(t *testing.T) {
	h := newHarness(t, newReach(true))
	h.add(t, "a", epoch)
	h.add(t, "b", epoch)
	h.fake.FailNext("b", http.StatusBadRequest)
	h.run(t)

	reg := h.metrics.Registry()
	n, err := promtest.GatherAndCount(reg, "invoicesync_sync_passes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = promtest.GatherAndCount(reg, "invoicesync_sync_records_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
