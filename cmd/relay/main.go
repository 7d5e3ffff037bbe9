// Package main runs the signal relay: admission endpoint, decision and
// forwarding pools, rate-limited delivery, reprocessing trigger and
// observability surfaces, as one supervised process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-relay/internal/app"
	"signal-relay/internal/config"
	"signal-relay/internal/forward"
	"signal-relay/internal/observability"
	"signal-relay/internal/push"
	"signal-relay/internal/storage"
	chstore "signal-relay/internal/storage/clickhouse"
	"signal-relay/internal/storage/memory"
	"signal-relay/internal/storage/migrations"
	pgstore "signal-relay/internal/storage/postgres"
)

type stores struct {
	signals    storage.SignalStore
	positions  storage.PositionStore
	reapproval storage.ReapprovalStore
	archive    storage.SignalEventArchive
	cleanup    func()
}

func main() {
	// Load .env if present; real env wins.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "Path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create stores")
	}
	defer st.cleanup()

	metrics := observability.NewMetrics("")
	hub := push.NewHub(logger)

	relay, err := app.New(app.Options{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Signals:    st.signals,
		Positions:  st.positions,
		Reapproval: st.reapproval,
		Archive:    st.archive,
		Sink: forward.NewHTTPSink(forward.HTTPSinkOptions{
			URL:     cfg.Forward.SinkURL,
			Timeout: cfg.Forward.Timeout,
		}),
		Snapshots: []observability.Sink{observability.NewPromSink(metrics), hub},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("wire application")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Observe.SnapshotInterval, func() {
		relay.PublishSnapshot(ctx)
	}); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.Observe.SnapshotInterval).Msg("schedule snapshots")
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newHandler(relay, hub),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return ctx.Err()
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("relay stopped")
	}
	logger.Info().Msg("shutdown complete")
}

// createStores builds the persistence layer per config.
func createStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.Storage.Backend == "memory" {
		signals := memory.NewSignalStore()
		positions := memory.NewPositionStore()
		return &stores{
			signals:    signals,
			positions:  positions,
			reapproval: memory.NewReapprovalStore(signals, positions),
			cleanup:    func() {},
		}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	st := &stores{
		signals:    pgstore.NewSignalStore(pool),
		positions:  pgstore.NewPositionStore(pool),
		reapproval: pgstore.NewReapprovalStore(pool),
		cleanup:    pool.Close,
	}

	// The event archive is optional; the relay runs fine without it.
	if cfg.Storage.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
		if err != nil {
			logger.Warn().Err(err).Msg("clickhouse archive unavailable, continuing without it")
		} else {
			st.archive = chstore.NewSignalEventStore(conn)
			st.cleanup = func() {
				conn.Close()
				pool.Close()
			}
		}
	}
	return st, nil
}

func newHandler(relay *app.App, hub *push.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("POST /signals", handleSubmit(relay))
	mux.HandleFunc("GET /signals/{id}", handleGetSignal(relay))
	mux.HandleFunc("GET /positions", handleOpenPositions(relay))
	mux.HandleFunc("POST /approved-set", handleApprovedSet(relay))
	mux.HandleFunc("POST /reprocess", handleReprocess(relay))
	mux.HandleFunc("POST /rate-limit", handleRateLimit(relay))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type submitPayload struct {
	SignalID string   `json:"signal_id"`
	Ticker   string   `json:"ticker"`
	Side     string   `json:"side"`
	Action   string   `json:"action"`
	Price    *float64 `json:"price"`
	Time     int64    `json:"time"`
}

func handleSubmit(relay *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload submitPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}

		sig, err := relay.Submit(r.Context(), app.SubmitRequest{
			SignalID:   payload.SignalID,
			Ticker:     payload.Ticker,
			Side:       payload.Side,
			Action:     payload.Action,
			Price:      payload.Price,
			SourceTime: payload.Time,
		})
		switch {
		case errors.Is(err, app.ErrIngressFull):
			writeError(w, http.StatusServiceUnavailable, "ingress queue full")
		case errors.Is(err, storage.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "ticker is required")
		case errors.Is(err, storage.ErrDuplicateKey):
			writeError(w, http.StatusConflict, "signal id already exists")
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{
				"signal_id": sig.SignalID,
				"status":    sig.Status.String(),
			})
		}
	}
}

func handleGetSignal(relay *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sig, events, err := relay.Signal(r.Context(), r.PathValue("id"))
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "signal not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"signal_id":  sig.SignalID,
			"instrument": sig.Instrument,
			"status":     sig.Status.String(),
			"created_at": sig.CreatedAt,
			"events":     len(events),
		})
	}
}

func handleOpenPositions(relay *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		open, err := relay.AllOpenInstruments(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"open_instruments": open})
	}
}

func handleApprovedSet(relay *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Instruments []string `json:"instruments"`
			// Reprocess newly added instruments automatically.
			Reprocess     bool `json:"reprocess"`
			WindowSeconds *int `json:"window_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}

		added := relay.UpdateApprovedSet(payload.Instruments)
		resp := map[string]any{"added": added}

		if payload.Reprocess && len(added) > 0 {
			window := -1
			if payload.WindowSeconds != nil {
				window = *payload.WindowSeconds
			}
			result := relay.Reprocess(r.Context(), added, window)
			resp["reprocessed"] = result.Reprocessed
			resp["failed"] = result.Failed
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleReprocess(relay *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Instruments   []string `json:"instruments"`
			WindowSeconds *int     `json:"window_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if len(payload.Instruments) == 0 {
			writeError(w, http.StatusBadRequest, "instruments are required")
			return
		}

		window := -1
		if payload.WindowSeconds != nil {
			window = *payload.WindowSeconds
		}
		result := relay.Reprocess(r.Context(), payload.Instruments, window)
		writeJSON(w, http.StatusOK, map[string]any{
			"instruments":  result.Instruments,
			"candidates":   result.Candidates,
			"reprocessed":  result.Reprocessed,
			"failed":       result.Failed,
			"skips":        result.Skips,
			"errors":       result.Errors,
			"duration_ms":  result.Duration.Milliseconds(),
			"success_rate": result.SuccessRate(),
		})
	}
}

func handleRateLimit(relay *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Capacity int  `json:"capacity"`
			Enabled  bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := relay.UpdateRateLimit(payload.Capacity, payload.Enabled); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
