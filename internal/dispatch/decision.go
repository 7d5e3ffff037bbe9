// Package dispatch contains the two-stage worker pools: decision
// workers turn raw signals into approved-or-rejected terminal
// decisions, forwarding workers deliver approved entries to the sink
// under the outbound rate limit.
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
	"signal-relay/internal/observability"
	"signal-relay/internal/provider"
	"signal-relay/internal/queue"
	"signal-relay/internal/storage"
)

// DecisionPool consumes the ingress queue and decides each signal using
// only in-memory and store lookups; it never makes outbound calls.
type DecisionPool struct {
	workers   int
	ingress   *queue.Queue[*domain.Signal]
	approved  *queue.Queue[*domain.QueueEntry]
	signals   storage.SignalStore
	positions storage.PositionStore
	provider  provider.ApprovedInstrumentProvider
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// DecisionPoolOptions contains configuration for creating a DecisionPool.
type DecisionPoolOptions struct {
	Workers   int // Default: 2
	Ingress   *queue.Queue[*domain.Signal]
	Approved  *queue.Queue[*domain.QueueEntry]
	Signals   storage.SignalStore
	Positions storage.PositionStore
	Provider  provider.ApprovedInstrumentProvider
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// NewDecisionPool creates a new DecisionPool.
func NewDecisionPool(opts DecisionPoolOptions) *DecisionPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &DecisionPool{
		workers:   workers,
		ingress:   opts.Ingress,
		approved:  opts.Approved,
		signals:   opts.Signals,
		positions: opts.Positions,
		provider:  opts.Provider,
		logger:    opts.Logger.With().Str("component", "decision").Logger(),
		metrics:   opts.Metrics,
		now:       now,
	}
}

// Run starts the workers and blocks until the context is cancelled and
// all workers have drained their in-flight signal.
func (p *DecisionPool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.workers).Msg("decision pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("decision-%d", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()

	p.logger.Info().Msg("decision pool stopped")
	return ctx.Err()
}

func (p *DecisionPool) workerLoop(ctx context.Context, workerID string) {
	for {
		sig, err := p.ingress.Get(ctx)
		if err != nil {
			return
		}
		p.decideOne(ctx, workerID, sig)
	}
}

// decideOne processes a single signal. Panics and errors are confined
// to the signal: they produce a terminal error status, never a dead
// worker.
func (p *DecisionPool) decideOne(ctx context.Context, workerID string, sig *domain.Signal) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("worker_id", workerID).
				Str("signal_id", sig.SignalID).
				Interface("panic", r).
				Msg("decision worker recovered from panic")
			p.terminate(ctx, workerID, sig, domain.StatusError, fmt.Sprintf("decision panic: %v", r))
		}
		if p.metrics != nil {
			p.metrics.DecisionLatency.Observe(p.now().Sub(start).Seconds())
		}
	}()

	if err := p.signals.SetStatus(ctx, sig.SignalID, domain.StatusProcessing, "", workerID); err != nil {
		p.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("mark processing failed")
	}

	switch classify.Side(sig.SideText, sig.ActionText) {
	case domain.SideBuy:
		p.decideBuy(ctx, workerID, sig)
	case domain.SideSell:
		p.decideSell(ctx, workerID, sig)
	default:
		p.terminate(ctx, workerID, sig, domain.StatusRejected,
			fmt.Sprintf("unclassifiable side %q / action %q", sig.SideText, sig.ActionText))
	}
}

func (p *DecisionPool) decideBuy(ctx context.Context, workerID string, sig *domain.Signal) {
	set, err := p.provider.CurrentSet(ctx)
	if err != nil {
		p.terminate(ctx, workerID, sig, domain.StatusError,
			fmt.Sprintf("approved set unavailable: %v", err))
		return
	}
	if _, ok := set[sig.Instrument]; !ok {
		p.terminate(ctx, workerID, sig, domain.StatusRejected,
			fmt.Sprintf("instrument %s not in approved set", sig.Instrument))
		return
	}

	if _, err := p.positions.Open(ctx, sig.Instrument, sig.SignalID); err != nil {
		if errors.Is(err, storage.ErrPositionConflict) {
			// Two concurrent buys raced; the store picked the winner.
			p.terminate(ctx, workerID, sig, domain.StatusError,
				fmt.Sprintf("position conflict: %s already open or closing", sig.Instrument))
			return
		}
		p.terminate(ctx, workerID, sig, domain.StatusError,
			fmt.Sprintf("open position: %v", err))
		return
	}
	if p.metrics != nil {
		p.metrics.PositionsOpened.Inc()
	}

	p.approve(ctx, workerID, sig, "buy approved: instrument in approved set")
}

func (p *DecisionPool) decideSell(ctx context.Context, workerID string, sig *domain.Signal) {
	open, err := p.positions.IsOpen(ctx, sig.Instrument)
	if err != nil {
		p.terminate(ctx, workerID, sig, domain.StatusError,
			fmt.Sprintf("check open position: %v", err))
		return
	}
	if !open {
		p.terminate(ctx, workerID, sig, domain.StatusRejected,
			fmt.Sprintf("no open position for %s", sig.Instrument))
		return
	}

	if err := p.positions.MarkClosing(ctx, sig.Instrument, sig.SignalID); err != nil {
		if errors.Is(err, storage.ErrNoOpenPosition) {
			// Lost a race with a concurrent sell on the same instrument.
			p.terminate(ctx, workerID, sig, domain.StatusError,
				fmt.Sprintf("position for %s no longer open", sig.Instrument))
			return
		}
		p.terminate(ctx, workerID, sig, domain.StatusError,
			fmt.Sprintf("mark position closing: %v", err))
		return
	}

	p.approve(ctx, workerID, sig, "sell approved: position open")
}

// approve writes the approved status, enqueues the entry for
// forwarding, and records queued_forwarding.
func (p *DecisionPool) approve(ctx context.Context, workerID string, sig *domain.Signal, reason string) {
	if err := p.signals.SetStatus(ctx, sig.SignalID, domain.StatusApproved, reason, workerID); err != nil {
		p.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("mark approved failed")
	}

	entry := &domain.QueueEntry{
		Signal:     sig,
		Instrument: sig.Instrument,
		ApprovedAt: p.now().UnixMilli(),
		ApprovedBy: domain.ApprovedByDecision,
	}
	if err := p.approved.Put(ctx, entry); err != nil {
		p.terminate(ctx, workerID, sig, domain.StatusError,
			fmt.Sprintf("enqueue for forwarding: %v", err))
		return
	}

	if err := p.signals.SetStatus(ctx, sig.SignalID, domain.StatusQueuedForwarding, "", workerID); err != nil {
		p.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("mark queued failed")
	}
	if p.metrics != nil {
		p.metrics.DecisionsTotal.WithLabelValues("approved").Inc()
	}
}

// terminate writes a terminal status for the signal.
func (p *DecisionPool) terminate(ctx context.Context, workerID string, sig *domain.Signal, status domain.SignalStatus, detail string) {
	if err := p.signals.SetStatus(ctx, sig.SignalID, status, detail, workerID); err != nil {
		p.logger.Error().Err(err).
			Str("signal_id", sig.SignalID).
			Str("status", status.String()).
			Msg("terminal write failed")
	}
	if p.metrics != nil {
		switch status {
		case domain.StatusRejected:
			p.metrics.DecisionsTotal.WithLabelValues("rejected").Inc()
		case domain.StatusError:
			p.metrics.DecisionsTotal.WithLabelValues("error").Inc()
		}
	}
}
