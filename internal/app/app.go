// Package app wires the invoice sync runtime from configuration: the store,
// reachability monitor, remote client, orchestrator and background scheduler.
// The desktop daemon, the mobile bridge and the CLI all build one App.
package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/invoicesync/internal/config"
	"github.com/kimhsiao/invoicesync/internal/crypto"
	"github.com/kimhsiao/invoicesync/internal/db"
	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
	"github.com/kimhsiao/invoicesync/internal/models"
	"github.com/kimhsiao/invoicesync/internal/reachability"
	"github.com/kimhsiao/invoicesync/internal/remote"
	syncpkg "github.com/kimhsiao/invoicesync/internal/sync"
	"github.com/kimhsiao/invoicesync/internal/sync/scheduler"
	"github.com/kimhsiao/invoicesync/internal/telemetry"
	"github.com/kimhsiao/invoicesync/internal/uuid"
)

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

// Options adjust how New builds the runtime.
type Options struct {
	// Memory opens an in-memory database instead of DataDir.
	Memory bool
	Clock  clockwork.Clock
	// Prober replaces the HTTP reachability probe.
	Prober   reachability.Prober
	Notifier scheduler.Notifier
	// RuntimeMetrics adds Go and process collectors to the registry.
	RuntimeMetrics bool
}

// App is the wired runtime.
type App struct {
	Config       config.Config
	DeviceID     string
	DB           *db.DB
	Store        *db.Store
	Monitor      *reachability.Monitor
	Client       *remote.Client
	Orchestrator *syncpkg.Orchestrator
	Scheduler    *scheduler.Scheduler
	Metrics      *telemetry.Metrics

	clock  clockwork.Clock
	sealer *crypto.Sealer
}

// New constructs a fully wired App. Records left in processing by a previous
// crash are returned to the queue before New returns.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	dbOpts := db.Options{MaxPageCount: cfg.Storage.MaxPageCount}
	var (
		database *db.DB
		err      error
	)
	if opts.Memory {
		database, err = db.OpenMemory(dbOpts)
	} else {
		database, err = db.Open(cfg.DataDir, dbOpts)
	}
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		DB:      database,
		Metrics: telemetry.New(opts.RuntimeMetrics),
		clock:   opts.Clock,
	}

	a.Store = db.NewStore(database, db.StoreOptions{
		MaxRecords: cfg.Storage.MaxRecords,
		Pressure: db.PressurePolicy{
			Retention: cfg.Storage.Retention,
			SoftCap:   cfg.Storage.SoftCap,
			HardCap:   cfg.Storage.HardCap,
		},
		Clock:    opts.Clock,
		OnRelief: a.Metrics.ObserveRelief,
	})

	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config

	recovered, err := a.Store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Warn("requeued invoices interrupted mid-delivery", map[string]interface{}{"count": recovered})
	}

	if a.DeviceID, err = a.loadDeviceID(ctx); err != nil {
		return err
	}
	if a.sealer, err = crypto.NewSealer(a.DeviceID, cfg.SecretKey); err != nil {
		return errors.Wrap(errors.ErrCryptoFailed, "derive token key", err)
	}

	token := cfg.Remote.Token
	if token == "" {
		if token, err = a.loadToken(ctx); err != nil {
			return err
		}
	}

	userAgent := cfg.Remote.UserAgent
	if userAgent == "" {
		userAgent = "invoicesync/" + Version
	}
	a.Client, err = remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Token:     token,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: userAgent,
	})
	if err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, "remote client", err)
	}

	a.Monitor = reachability.New(reachability.Config{
		ProbeURL:     cfg.Reachability.ProbeURL,
		ProbeTimeout: cfg.Reachability.ProbeTimeout,
		Interval:     cfg.Reachability.Interval,
		Prober:       opts.Prober,
		Clock:        opts.Clock,
	})

	a.Orchestrator = syncpkg.NewOrchestrator(a.Store, a.Client, a.Monitor, syncpkg.Config{
		Retry: syncpkg.RetryPolicy{
			Base:        cfg.Retry.Base,
			Cap:         cfg.Retry.Cap,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.Jitter,
		},
		Clock:   opts.Clock,
		Metrics: a.Metrics,
	})

	a.Scheduler = scheduler.NewScheduler(a.Orchestrator, a.Monitor, a.Store, opts.Notifier, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Scheduler.SyncInterval,
		PruneInterval: cfg.Scheduler.PruneInterval,
		Retention:     cfg.Storage.Retention,
		SyncOnStart:   cfg.Scheduler.SyncOnStart,
		Clock:         opts.Clock,
	})

	if st, err := a.Store.Stats(ctx); err == nil {
		a.Metrics.SetPending(st.Unsynced)
		logging.Info("invoice store opened", map[string]interface{}{
			"path":     a.DB.Path(),
			"total":    st.Total,
			"unsynced": st.Unsynced,
			"size":     st.HumanSize(),
		})
	}
	return nil
}

func (a *App) loadDeviceID(ctx context.Context) (string, error) {
	id, ok, err := a.Store.GetSetting(ctx, models.SettingDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewDeviceID()
	if err := a.Store.SetSetting(ctx, models.SettingDeviceID, id); err != nil {
		return "", err
	}
	logging.Info("device id created", map[string]interface{}{"device_id": id})
	return id, nil
}

func (a *App) loadToken(ctx context.Context) (string, error) {
	sealed, ok, err := a.Store.GetSetting(ctx, models.SettingRemoteToken)
	if err != nil || !ok {
		return "", err
	}
	token, err := a.sealer.Open(sealed)
	if err != nil {
		return "", errors.Wrap(errors.ErrCryptoFailed, "open stored remote token", err)
	}
	return token, nil
}

// Now returns the runtime clock's current time.
func (a *App) Now() time.Time {
	return a.clock.Now()
}

// SetToken seals and stores the remote bearer token and uses it from the next
// request on. An empty token removes it.
func (a *App) SetToken(ctx context.Context, token string) error {
	if token == "" {
		if err := a.Store.DeleteSetting(ctx, models.SettingRemoteToken); err != nil {
			return err
		}
		a.Client.SetToken("")
		return nil
	}

	sealed, err := a.sealer.Seal(token)
	if err != nil {
		return errors.Wrap(errors.ErrCryptoFailed, "seal remote token", err)
	}
	if err := a.Store.SetSetting(ctx, models.SettingRemoteToken, sealed); err != nil {
		return err
	}
	a.Client.SetToken(token)
	return nil
}

// CreateInvoice records a new queued invoice on behalf of the invoice-entry
// screen. It is persisted before returning and picked up by the next pass.
func (a *App) CreateInvoice(ctx context.Context, customerName string, items []models.LineItem) (*models.InvoiceRecord, error) {
	rec := models.NewInvoiceRecord(uuid.NewInvoiceID(), customerName, items, a.clock.Now())
	if err := a.Store.Append(ctx, rec); err != nil {
		return nil, err
	}
	if st, err := a.Store.Stats(ctx); err == nil {
		a.Metrics.SetPending(st.Unsynced)
	}
	logging.Debug("invoice queued", map[string]interface{}{"invoice_id": rec.ID, "total": rec.Total})
	return rec, nil
}

// Run drives the background components until ctx is canceled: the periodic
// reachability probe, the reachability gauge and the scheduler.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	reach, unsub := a.Monitor.Subscribe()
	defer unsub()

	// Started before the first probe so reachability gained at startup is an edge.
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		return a.Monitor.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-reach:
				if !ok {
					return nil
				}
				a.Metrics.SetReachable(v)
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Scheduler.Stop()
	})

	logging.Info("invoice sync running", map[string]interface{}{
		"device_id": a.DeviceID,
		"version":   Version,
	})
	return g.Wait()
}

// Close releases the store and the database.
func (a *App) Close() error {
	if a.Store != nil {
		a.Store.Close()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
