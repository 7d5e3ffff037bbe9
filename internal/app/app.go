// Package app wires the admission, dispatch and recovery pipeline into
// one supervised unit: queues, rate limiter, worker pools, the
// reprocessing engine and the event archiver, all built from an
// explicit dependency set at startup.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-relay/internal/classify"
	"signal-relay/internal/config"
	"signal-relay/internal/dispatch"
	"signal-relay/internal/domain"
	"signal-relay/internal/forward"
	"signal-relay/internal/observability"
	"signal-relay/internal/provider"
	"signal-relay/internal/queue"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/reprocess"
	"signal-relay/internal/storage"
)

// ErrIngressFull is returned by Submit when the ingress queue rejects
// the signal. Backpressure is surfaced to the caller, not absorbed.
var ErrIngressFull = errors.New("ingress queue full")

const archiveBatchSize = 64

// App owns the pipeline components and supervises their tasks.
type App struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *observability.Metrics
	signals    storage.SignalStore
	positions  storage.PositionStore
	archive    storage.SignalEventArchive
	archiveCh  chan *domain.SignalEvent
	ingress    *queue.Queue[*domain.Signal]
	approved   *queue.Queue[*domain.QueueEntry]
	limiter    *ratelimit.Limiter
	provider   *provider.Static
	engine     *reprocess.Engine
	decision   *dispatch.DecisionPool
	forwarding *dispatch.ForwardPool
	sinks      observability.MultiSink
	now        func() time.Time
}

// Options contains the dependencies for creating an App.
type Options struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
	Signals    storage.SignalStore
	Positions  storage.PositionStore
	Reapproval storage.ReapprovalStore
	Archive    storage.SignalEventArchive // optional
	Sink       forward.Sink
	Snapshots  []observability.Sink // optional
	Now        func() time.Time
}

// New creates a fully wired App.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	limiter, err := ratelimit.New(ratelimit.Options{
		Capacity: cfg.RateLimit.Capacity,
		Enabled:  *cfg.RateLimit.Enabled,
		Window:   cfg.RateLimit.Window,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		positions: opts.Positions,
		archive:   opts.Archive,
		ingress:   queue.NewBounded[*domain.Signal](cfg.Queues.IngressCapacity),
		approved:  queue.NewBounded[*domain.QueueEntry](cfg.Queues.ApprovedCapacity),
		limiter:   limiter,
		provider:  provider.NewStatic(),
		sinks:     observability.MultiSink(opts.Snapshots),
		now:       now,
	}

	// Cross-cutting store behavior is composed once here.
	middlewares := []dispatch.StoreMiddleware{dispatch.WithLogging(opts.Logger)}
	if opts.Archive != nil {
		a.archiveCh = make(chan *domain.SignalEvent, 4*archiveBatchSize)
		middlewares = append(middlewares, dispatch.WithArchive(a.archiveCh))
	}
	a.signals = dispatch.Chain(opts.Signals, middlewares...)

	a.decision = dispatch.NewDecisionPool(dispatch.DecisionPoolOptions{
		Workers:   cfg.Workers.Decision,
		Ingress:   a.ingress,
		Approved:  a.approved,
		Signals:   a.signals,
		Positions: a.positions,
		Provider:  provider.NewCached(a.provider, cfg.Observe.ProviderTTL),
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Now:       now,
	})
	a.forwarding = dispatch.NewForwardPool(dispatch.ForwardPoolOptions{
		Workers:   cfg.Workers.Forwarding,
		Approved:  a.approved,
		Limiter:   limiter,
		Sink:      opts.Sink,
		Signals:   a.signals,
		Positions: a.positions,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Now:       now,
	})
	a.engine = reprocess.NewEngine(reprocess.EngineOptions{
		Signals:                 a.signals,
		Positions:               a.positions,
		Reapproval:              opts.Reapproval,
		Approved:                a.approved,
		Logger:                  opts.Logger,
		Metrics:                 opts.Metrics,
		CandidateLimit:          cfg.Reprocess.CandidateLimit,
		ChronologyWindowSeconds: cfg.Reprocess.ChronologyWindowSeconds,
		Now:                     now,
	})

	return a, nil
}

// Run starts all supervised tasks and blocks until the context is
// cancelled and every task has stopped.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.limiter.Run(ctx) })
	g.Go(func() error { return a.decision.Run(ctx) })
	g.Go(func() error { return a.forwarding.Run(ctx) })
	if a.archive != nil {
		g.Go(func() error { return a.runArchiver(ctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SubmitRequest is one inbound alert at the admission boundary.
type SubmitRequest struct {
	SignalID   string
	Ticker     string
	Side       string
	Action     string
	Price      *float64
	SourceTime int64
	RawPayload []byte
}

// Submit admits one signal: assigns an id when missing, normalizes the
// instrument, persists the record as received, and offers it to the
// ingress queue. A full queue returns ErrIngressFull and the signal is
// finalized with an error status.
func (a *App) Submit(ctx context.Context, req SubmitRequest) (*domain.Signal, error) {
	instrument := classify.NormalizeInstrument(req.Ticker)
	if instrument == "" {
		return nil, storage.ErrInvalidInput
	}

	id := req.SignalID
	if id == "" {
		id = uuid.NewString()
	}

	payload := req.RawPayload
	if len(payload) == 0 {
		var err error
		payload, err = json.Marshal(map[string]any{
			"signal_id": id,
			"ticker":    req.Ticker,
			"side":      req.Side,
			"action":    req.Action,
			"price":     req.Price,
			"time":      req.SourceTime,
		})
		if err != nil {
			return nil, fmt.Errorf("encode signal payload: %w", err)
		}
	}

	sig := &domain.Signal{
		SignalID:      id,
		Instrument:    instrument,
		InstrumentRaw: req.Ticker,
		SideText:      req.Side,
		ActionText:    req.Action,
		Side:          classify.Side(req.Side, req.Action),
		Price:         req.Price,
		SourceTime:    req.SourceTime,
		Status:        domain.StatusReceived,
		CreatedAt:     a.now().UnixMilli(),
		RawPayload:    payload,
	}

	if err := a.signals.Create(ctx, sig); err != nil {
		return nil, fmt.Errorf("persist signal: %w", err)
	}

	if err := a.ingress.TryPut(sig); err != nil {
		if setErr := a.signals.SetStatus(ctx, sig.SignalID, domain.StatusError, "ingress queue full", "ingress"); setErr != nil {
			a.logger.Error().Err(setErr).Str("signal_id", sig.SignalID).Msg("ingress rejection write failed")
		}
		if a.metrics != nil {
			a.metrics.SignalsRejectedAtIngress.Inc()
		}
		return nil, ErrIngressFull
	}

	if a.metrics != nil {
		a.metrics.SignalsAdmitted.Inc()
	}
	return sig, nil
}

// Signal returns one signal and its event history.
func (a *App) Signal(ctx context.Context, signalID string) (*domain.Signal, []*domain.SignalEvent, error) {
	sig, err := a.signals.GetByID(ctx, signalID)
	if err != nil {
		return nil, nil, err
	}
	events, err := a.signals.Events(ctx, signalID)
	if err != nil {
		return nil, nil, err
	}
	return sig, events, nil
}

// UpdateApprovedSet replaces the approved-instrument set and returns
// the newly eligible instruments, the usual reprocessing trigger.
func (a *App) UpdateApprovedSet(instruments []string) []string {
	normalized := make([]string, 0, len(instruments))
	for _, raw := range instruments {
		if instrument := classify.NormalizeInstrument(raw); instrument != "" {
			normalized = append(normalized, instrument)
		}
	}
	return a.provider.Update(normalized)
}

// Reprocess recovers rejected buy signals for the instruments. A
// negative windowSeconds uses the configured default; 0 is unbounded.
func (a *App) Reprocess(ctx context.Context, instruments []string, windowSeconds int) *reprocess.Result {
	if windowSeconds < 0 {
		windowSeconds = a.cfg.Reprocess.DefaultWindowSeconds
	}
	return a.engine.Run(ctx, instruments, windowSeconds)
}

// UpdateRateLimit changes limiter capacity and enablement at runtime.
func (a *App) UpdateRateLimit(capacity int, enabled bool) error {
	return a.limiter.UpdateConfig(capacity, enabled)
}

// AllOpenInstruments exposes the bulk-close read.
func (a *App) AllOpenInstruments(ctx context.Context) ([]string, error) {
	return a.positions.AllOpenInstruments(ctx)
}

// Snapshot assembles a point-in-time observability view.
func (a *App) Snapshot(ctx context.Context) *observability.Snapshot {
	stats := a.limiter.Stats()
	tracker := a.engine.Tracker()

	open, err := a.positions.AllOpenInstruments(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("snapshot open instruments failed")
	}

	var lastRunMs int64
	if lastRun, ok := tracker.LastRun(); ok {
		lastRunMs = lastRun.UnixMilli()
	}

	return &observability.Snapshot{
		TakenAt:              a.now().UnixMilli(),
		IngressQueueDepth:    a.ingress.Len(),
		ApprovedQueueDepth:   a.approved.Len(),
		PermitsAvailable:     stats.Available,
		PermitsPendingReturn: stats.PendingReturns,
		RequestsLastWindow:   stats.RequestsLastWindow,
		AcquireWaits:         int(stats.Waited),
		RateLimiterEnabled:   stats.Enabled,
		OpenInstruments:      open,
		ReprocessHealth:      tracker.Evaluate().String(),
		ReprocessSuccessRate: tracker.LastSuccessRate(),
		ReprocessLastRunMs:   lastRunMs,
	}
}

// PublishSnapshot takes a snapshot and fans it out to all sinks.
func (a *App) PublishSnapshot(ctx context.Context) {
	a.sinks.Publish(a.Snapshot(ctx))
}

// runArchiver drains terminal events into the ClickHouse archive in
// batches. Fire-and-forget: failures are counted and logged, never
// propagated to the pipeline.
func (a *App) runArchiver(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	batch := make([]*domain.SignalEvent, 0, archiveBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Shutdown must not lose an already-collected batch.
		if err := a.archive.InsertBulk(context.WithoutCancel(ctx), batch); err != nil {
			a.logger.Warn().Err(err).Int("events", len(batch)).Msg("archive batch failed")
			if a.metrics != nil {
				a.metrics.ArchiveErrors.Inc()
			}
		} else if a.metrics != nil {
			a.metrics.EventsArchived.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case ev := <-a.archiveCh:
			if ev.CreatedAt == 0 {
				ev.CreatedAt = a.now().UnixMilli()
			}
			batch = append(batch, ev)
			if len(batch) >= archiveBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
