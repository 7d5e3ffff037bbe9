package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-relay/internal/classify"
	"signal-relay/internal/domain"
	"signal-relay/internal/forward"
	"signal-relay/internal/observability"
	"signal-relay/internal/queue"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/storage"
)

// ForwardPool consumes the approved queue, acquires a rate-limiter
// permit per entry, posts to the sink, and finalizes the signal and
// position state. One attempt per signal, no retry.
type ForwardPool struct {
	workers   int
	approved  *queue.Queue[*domain.QueueEntry]
	limiter   *ratelimit.Limiter
	sink      forward.Sink
	signals   storage.SignalStore
	positions storage.PositionStore
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// ForwardPoolOptions contains configuration for creating a ForwardPool.
type ForwardPoolOptions struct {
	Workers   int // Default: 2
	Approved  *queue.Queue[*domain.QueueEntry]
	Limiter   *ratelimit.Limiter
	Sink      forward.Sink
	Signals   storage.SignalStore
	Positions storage.PositionStore
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// NewForwardPool creates a new ForwardPool.
func NewForwardPool(opts ForwardPoolOptions) *ForwardPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ForwardPool{
		workers:   workers,
		approved:  opts.Approved,
		limiter:   opts.Limiter,
		sink:      opts.Sink,
		signals:   opts.Signals,
		positions: opts.Positions,
		logger:    opts.Logger.With().Str("component", "forward").Logger(),
		metrics:   opts.Metrics,
		now:       now,
	}
}

// Run starts the workers and blocks until the context is cancelled and
// every in-flight forward has completed.
func (p *ForwardPool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.workers).Msg("forward pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("forward-%d", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()

	p.logger.Info().Msg("forward pool stopped")
	return ctx.Err()
}

func (p *ForwardPool) workerLoop(ctx context.Context, workerID string) {
	for {
		entry, err := p.approved.Get(ctx)
		if err != nil {
			return
		}
		p.forwardOne(ctx, workerID, entry)
	}
}

func (p *ForwardPool) forwardOne(ctx context.Context, workerID string, entry *domain.QueueEntry) {
	sig := entry.Signal
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("worker_id", workerID).
				Str("signal_id", sig.SignalID).
				Interface("panic", r).
				Msg("forward worker recovered from panic")
			p.writeTerminal(ctx, workerID, sig, domain.StatusError, fmt.Sprintf("forward panic: %v", r), nil, "")
		}
		if p.metrics != nil {
			p.metrics.ForwardLatency.Observe(p.now().Sub(start).Seconds())
		}
	}()

	if err := p.signals.SetStatus(ctx, sig.SignalID, domain.StatusForwarding, "", workerID); err != nil {
		p.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("mark forwarding failed")
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		// Shutdown while waiting for a permit; the signal stays in
		// forwarding and counts as backlog.
		p.logger.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("acquire aborted")
		return
	}

	// In-flight forwards finish even during shutdown, terminal writes
	// included; the sink applies its own bounded timeout.
	detached := context.WithoutCancel(ctx)
	outcome := p.sink.Post(detached, sig.RawPayload)
	p.finalize(detached, workerID, entry, outcome)
}

func (p *ForwardPool) finalize(ctx context.Context, workerID string, entry *domain.QueueEntry, outcome forward.Outcome) {
	sig := entry.Signal

	var status domain.SignalStatus
	var detail, metricOutcome string
	switch outcome.Kind {
	case forward.OutcomeSuccess:
		status = domain.StatusForwardedSuccess
		detail = fmt.Sprintf("sink accepted (%d)", outcome.StatusCode)
		metricOutcome = "success"
	case forward.OutcomeHTTPError:
		status = domain.StatusForwardedHTTPError
		detail = fmt.Sprintf("sink error status %d", outcome.StatusCode)
		metricOutcome = "http_error"
	case forward.OutcomeTimeout:
		status = domain.StatusForwardedTimeout
		detail = "forward timed out"
		metricOutcome = "timeout"
	default:
		status = domain.StatusForwardedGenericError
		detail = "forward failed"
		metricOutcome = "generic_error"
	}

	var httpStatus *int
	if outcome.StatusCode != 0 {
		code := outcome.StatusCode
		httpStatus = &code
	}
	var errText string
	if outcome.Err != nil {
		errText = outcome.Err.Error()
	}
	p.writeTerminal(ctx, workerID, sig, status, detail, httpStatus, errText)

	if p.metrics != nil {
		p.metrics.ForwardsTotal.WithLabelValues(metricOutcome).Inc()
	}

	if outcome.Kind == forward.OutcomeSuccess && classify.Side(sig.SideText, sig.ActionText) == domain.SideSell {
		p.closePosition(ctx, entry)
	}
}

// closePosition finalizes the CLOSING position whose exit matches this
// sell. A missing position means a sell was forwarded without tracked
// capital; that is logged, not fatal.
func (p *ForwardPool) closePosition(ctx context.Context, entry *domain.QueueEntry) {
	err := p.positions.Close(ctx, entry.Signal.SignalID)
	switch {
	case err == nil:
		if p.metrics != nil {
			p.metrics.PositionsClosed.Inc()
		}
	case errors.Is(err, storage.ErrNoClosingPosition):
		p.logger.Warn().
			Str("signal_id", entry.Signal.SignalID).
			Str("instrument", entry.Instrument).
			Msg("sell forwarded without matching closing position")
	default:
		p.logger.Error().Err(err).
			Str("signal_id", entry.Signal.SignalID).
			Msg("close position failed")
	}
}

func (p *ForwardPool) writeTerminal(ctx context.Context, workerID string, sig *domain.Signal, status domain.SignalStatus, detail string, httpStatus *int, errText string) {
	if err := p.signals.SetStatus(ctx, sig.SignalID, status, detail, workerID); err != nil {
		p.logger.Error().Err(err).
			Str("signal_id", sig.SignalID).
			Str("status", status.String()).
			Msg("terminal write failed")
	}
	if httpStatus != nil || errText != "" {
		if err := p.signals.LogEvent(ctx, &domain.SignalEvent{
			SignalID:   sig.SignalID,
			Status:     status,
			Detail:     detail,
			WorkerID:   workerID,
			HTTPStatus: httpStatus,
			Error:      errText,
		}); err != nil {
			p.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("outcome event write failed")
		}
	}
}
