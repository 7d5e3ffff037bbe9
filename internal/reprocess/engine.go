// Package reprocess recovers previously-rejected buy signals whose
// instrument has since become eligible. It is a side entrance to the
// approved queue: validation happens inline here, bypassing the
// decision pool.
package reprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"signal-relay/internal/classify"
	"signal-relay/internal/domain"
	"signal-relay/internal/observability"
	"signal-relay/internal/queue"
	"signal-relay/internal/storage"
)

// Skip kinds. Skips are expected control flow, counted separately from
// failures and never logged as errors.
const (
	SkipNonBuy         = "skipped_non_buy"
	SkipSellChronology = "skipped_sell_chronology"
	SkipPositionExists = "skipped_position_exists"
	SkipStatusChanged  = "skipped_status_changed"
)

// Failure kinds.
const (
	FailValidation     = "failed_validation"
	FailReconstruction = "failed_reconstruction"
	FailReapproval     = "failed_reapproval"
	FailRequeue        = "requeue_failed"
)

// DefaultCandidateLimit caps rejected signals fetched per instrument.
const DefaultCandidateLimit = 200

// Result summarizes one reprocessing run.
type Result struct {
	Instruments int
	Candidates  int
	Reprocessed int
	Failed      int
	Skips       map[string]int
	Failures    map[string]int
	Errors      []string
	StartedAt   time.Time
	Duration    time.Duration
}

// SuccessRate is reprocessed over reprocessed+failed. A run with
// nothing to do counts as fully successful.
func (r *Result) SuccessRate() float64 {
	attempted := r.Reprocessed + r.Failed
	if attempted == 0 {
		return 1.0
	}
	return float64(r.Reprocessed) / float64(attempted)
}

// Engine scans for rejected buy signals on newly eligible instruments
// and re-injects the survivors into the approved queue.
type Engine struct {
	signals        storage.SignalStore
	positions      storage.PositionStore
	reapproval     storage.ReapprovalStore
	approved       *queue.Queue[*domain.QueueEntry]
	logger         zerolog.Logger
	metrics        *observability.Metrics
	tracker        *Tracker
	candidateLimit int
	// chronologyWindowSeconds > 0 enables the guard against reviving a
	// buy that a later sell already superseded.
	chronologyWindowSeconds int
	now                     func() time.Time
}

// EngineOptions contains configuration for creating an Engine.
type EngineOptions struct {
	Signals                 storage.SignalStore
	Positions               storage.PositionStore
	Reapproval              storage.ReapprovalStore
	Approved                *queue.Queue[*domain.QueueEntry]
	Logger                  zerolog.Logger
	Metrics                 *observability.Metrics
	Tracker                 *Tracker
	CandidateLimit          int // Default: DefaultCandidateLimit
	ChronologyWindowSeconds int // Default: 0 (guard disabled)
	Now                     func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(opts EngineOptions) *Engine {
	limit := opts.CandidateLimit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}

	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		signals:                 opts.Signals,
		positions:               opts.Positions,
		reapproval:              opts.Reapproval,
		approved:                opts.Approved,
		logger:                  opts.Logger.With().Str("component", "reprocess").Logger(),
		metrics:                 opts.Metrics,
		tracker:                 tracker,
		candidateLimit:          limit,
		chronologyWindowSeconds: opts.ChronologyWindowSeconds,
		now:                     now,
	}
}

// Tracker returns the engine's health tracker.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Run reprocesses rejected buy signals for the given instruments within
// the trailing window (windowSeconds == 0 means unbounded lookback).
// Errors for one instrument are collected and processing continues.
func (e *Engine) Run(ctx context.Context, instruments []string, windowSeconds int) *Result {
	result := &Result{
		Skips:     make(map[string]int),
		Failures:  make(map[string]int),
		StartedAt: e.now(),
	}

	for _, raw := range instruments {
		instrument := classify.NormalizeInstrument(raw)
		if instrument == "" {
			continue
		}
		result.Instruments++

		if err := e.runInstrument(ctx, instrument, windowSeconds, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", instrument, err))
			e.logger.Error().Err(err).Str("instrument", instrument).Msg("instrument reprocessing failed")
		}
	}

	result.Duration = e.now().Sub(result.StartedAt)
	e.finishRun(result)
	return result
}

func (e *Engine) runInstrument(ctx context.Context, instrument string, windowSeconds int, result *Result) error {
	candidates, err := e.signals.GetRejectedForReprocessing(ctx, instrument, windowSeconds, e.candidateLimit)
	if err != nil {
		return fmt.Errorf("fetch rejected candidates: %w", err)
	}
	result.Candidates += len(candidates)

	for _, candidate := range candidates {
		kind, failed := e.processCandidate(ctx, instrument, candidate)
		switch {
		case kind == "":
			result.Reprocessed++
			if e.metrics != nil {
				e.metrics.ReprocessedSignals.Inc()
			}
		case failed:
			result.Failed++
			result.Failures[kind]++
			if e.metrics != nil {
				e.metrics.ReprocessFailures.Inc()
			}
		default:
			result.Skips[kind]++
			if e.metrics != nil {
				e.metrics.ReprocessSkips.WithLabelValues(kind).Inc()
			}
		}
	}
	return nil
}

// processCandidate applies the recovery chain to one rejected signal.
// An empty kind means the signal was reprocessed; otherwise kind names
// the skip or failure, with failed distinguishing the two.
func (e *Engine) processCandidate(ctx context.Context, instrument string, sig *domain.Signal) (kind string, failed bool) {
	// Structural validation.
	if sig.SignalID == "" || sig.Instrument == "" {
		return FailValidation, true
	}

	// Buy re-classification. Unlike ingress, a signal with no side
	// information at all defaults to BUY: only buy-shaped history is
	// replayed here. Explicit sells are skipped.
	if classify.SideDefaultBuy(sig.SideText, sig.ActionText) == domain.SideSell {
		return SkipNonBuy, false
	}

	// Chronology guard: a later sell supersedes this buy.
	if e.chronologyWindowSeconds > 0 {
		superseded, err := e.signals.HasSellAfter(ctx, instrument, sig.CreatedAt, e.chronologyWindowSeconds)
		if err != nil {
			e.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("chronology check failed")
			return FailValidation, true
		}
		if superseded {
			return SkipSellChronology, false
		}
	}

	// Conflict guard, rechecked transactionally below.
	busy, err := e.positions.IsOpenOrClosing(ctx, instrument)
	if err != nil {
		e.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("conflict check failed")
		return FailValidation, true
	}
	if busy {
		return SkipPositionExists, false
	}

	rebuilt, err := e.reconstruct(sig)
	if err != nil {
		e.logger.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("reconstruction failed")
		return FailReconstruction, true
	}

	outcome, err := e.reapproval.ReapproveAndOpen(ctx, sig.SignalID, instrument, "reprocessed: instrument newly eligible")
	if err != nil {
		e.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("atomic reapproval failed")
		return FailReapproval, true
	}
	switch outcome {
	case storage.ReapproveStatusChanged:
		return SkipStatusChanged, false
	case storage.ReapprovePositionExists:
		return SkipPositionExists, false
	}

	// Queue injection. The position is committed at this point; a full
	// queue leaves it open with no queued forward, which is surfaced
	// loudly instead of silently patched.
	entry := &domain.QueueEntry{
		Signal:     rebuilt,
		Instrument: instrument,
		ApprovedAt: e.now().UnixMilli(),
		ApprovedBy: domain.ApprovedByReprocessing,
	}
	if err := e.approved.TryPut(entry); err != nil {
		e.logger.Error().Err(err).
			Str("signal_id", sig.SignalID).
			Str("instrument", instrument).
			Msg("requeue failed after committed reapproval: position open without queued forward")
		if logErr := e.signals.LogEvent(ctx, &domain.SignalEvent{
			SignalID: sig.SignalID,
			Status:   domain.StatusApproved,
			Detail:   "requeue_failed: approved queue rejected entry after commit",
			WorkerID: domain.ApprovedByReprocessing,
			Error:    err.Error(),
		}); logErr != nil {
			e.logger.Error().Err(logErr).Str("signal_id", sig.SignalID).Msg("requeue failure event write failed")
		}
		return FailRequeue, true
	}

	return "", false
}

// reconstruct rebuilds a forwardable signal from stored data using
// three fallback tiers: the original raw payload with the id forced to
// the database record, a payload synthesized from stored columns, and
// a minimal synthetic payload.
func (e *Engine) reconstruct(sig *domain.Signal) (*domain.Signal, error) {
	rebuilt := *sig
	rebuilt.Side = domain.SideBuy

	if payload, err := e.rebuildFromRaw(sig); err == nil {
		rebuilt.RawPayload = payload
		return &rebuilt, nil
	}
	if payload, err := e.rebuildFromColumns(sig); err == nil {
		rebuilt.RawPayload = payload
		return &rebuilt, nil
	}
	payload, err := json.Marshal(map[string]any{
		"signal_id": sig.SignalID,
		"ticker":    sig.Instrument,
		"side":      "buy",
	})
	if err != nil {
		return nil, fmt.Errorf("minimal synthetic payload: %w", err)
	}
	rebuilt.RawPayload = payload
	return &rebuilt, nil
}

func (e *Engine) rebuildFromRaw(sig *domain.Signal) ([]byte, error) {
	if len(sig.RawPayload) == 0 {
		return nil, fmt.Errorf("no raw payload stored")
	}
	var payload map[string]any
	if err := json.Unmarshal(sig.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	// Force the id to the database record; the stored payload may
	// predate id assignment.
	payload["signal_id"] = sig.SignalID
	return json.Marshal(payload)
}

func (e *Engine) rebuildFromColumns(sig *domain.Signal) ([]byte, error) {
	payload := map[string]any{
		"signal_id": sig.SignalID,
		"ticker":    sig.Instrument,
		"side":      "buy",
		"time":      sig.CreatedAt,
	}
	if sig.Price != nil {
		payload["price"] = *sig.Price
	}
	return json.Marshal(payload)
}

// finishRun records the summary, updates health, and logs it.
func (e *Engine) finishRun(result *Result) {
	e.tracker.Record(result)
	health := e.tracker.Evaluate()

	if e.metrics != nil {
		e.metrics.ReprocessRunsTotal.WithLabelValues(health.String()).Inc()
		e.metrics.ReprocessSuccessRate.Set(result.SuccessRate())
		e.metrics.ReprocessLastRunUnix.Set(float64(e.now().Unix()))
		e.metrics.ReprocessHealthState.Set(float64(health))
	}

	e.logger.Info().
		Int("instruments", result.Instruments).
		Int("candidates", result.Candidates).
		Int("reprocessed", result.Reprocessed).
		Int("failed", result.Failed).
		Int("errors", len(result.Errors)).
		Float64("success_rate", result.SuccessRate()).
		Dur("duration", result.Duration).
		Str("health", health.String()).
		Msg("reprocessing run complete")
}
