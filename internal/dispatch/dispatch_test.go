package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-relay/internal/domain"
	"signal-relay/internal/forward"
	"signal-relay/internal/provider"
	"signal-relay/internal/queue"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/storage"
	"signal-relay/internal/storage/memory"
)

// stubSink records posts and returns a scripted outcome.
type stubSink struct {
	mu      sync.Mutex
	posts   [][]byte
	outcome forward.Outcome
}

func (s *stubSink) Post(_ context.Context, payload []byte) forward.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, payload)
	return s.outcome
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

func newSignal(id, instrument, sideText string) *domain.Signal {
	return &domain.Signal{
		SignalID:      id,
		Instrument:    instrument,
		InstrumentRaw: instrument,
		SideText:      sideText,
		Status:        domain.StatusReceived,
		CreatedAt:     time.Now().UnixMilli(),
		RawPayload:    []byte(`{"ticker":"` + instrument + `","side":"` + sideText + `"}`),
	}
}

type env struct {
	signals   storage.SignalStore
	positions storage.PositionStore
	ingress   *queue.Queue[*domain.Signal]
	approved  *queue.Queue[*domain.QueueEntry]
	provider  *provider.Static
	sink      *stubSink
	cancel    context.CancelFunc
	done      chan struct{}
}

// startPipeline runs a one-worker decision pool and one-worker forward
// pool against in-memory stores.
func startPipeline(t *testing.T, approvedInstruments ...string) *env {
	t.Helper()

	e := &env{
		signals:   memory.NewSignalStore(),
		positions: memory.NewPositionStore(),
		ingress:   queue.NewBounded[*domain.Signal](16),
		approved:  queue.NewBounded[*domain.QueueEntry](16),
		provider:  provider.NewStatic(approvedInstruments...),
		sink:      &stubSink{outcome: forward.Outcome{Kind: forward.OutcomeSuccess, StatusCode: 200}},
		done:      make(chan struct{}),
	}

	limiter, err := ratelimit.New(ratelimit.Options{Capacity: 100, Enabled: true})
	if err != nil {
		t.Fatalf("New limiter failed: %v", err)
	}

	decision := NewDecisionPool(DecisionPoolOptions{
		Workers:   1,
		Ingress:   e.ingress,
		Approved:  e.approved,
		Signals:   e.signals,
		Positions: e.positions,
		Provider:  e.provider,
		Logger:    zerolog.Nop(),
	})
	forwardPool := NewForwardPool(ForwardPoolOptions{
		Workers:   1,
		Approved:  e.approved,
		Limiter:   limiter,
		Sink:      e.sink,
		Signals:   e.signals,
		Positions: e.positions,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go func() {
		defer close(e.done)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); limiter.Run(ctx) }()
		go func() { defer wg.Done(); decision.Run(ctx) }()
		go func() { defer wg.Done(); forwardPool.Run(ctx) }()
		wg.Wait()
	}()

	t.Cleanup(func() {
		cancel()
		<-e.done
	})
	return e
}

// waitStatus polls until the signal reaches a terminal status.
func waitStatus(t *testing.T, signals storage.SignalStore, id string, want domain.SignalStatus) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		sig, err := signals.GetByID(context.Background(), id)
		if err == nil && sig.Status == want {
			return
		}
		select {
		case <-deadline:
			status := domain.SignalStatus(-1)
			if sig != nil {
				status = sig.Status
			}
			t.Fatalf("Signal %s did not reach %v, last status %v", id, want, status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPipeline_BuyNotApprovedIsRejected(t *testing.T) {
	e := startPipeline(t) // empty approved set
	ctx := context.Background()

	sig := newSignal("s1", "ABC", "buy")
	if err := e.signals.Create(ctx, sig); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(sig); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}

	waitStatus(t, e.signals, "s1", domain.StatusRejected)

	if busy, _ := e.positions.IsOpenOrClosing(ctx, "ABC"); busy {
		t.Error("Expected no position for rejected buy")
	}
	if e.sink.count() != 0 {
		t.Error("Expected no forward for rejected buy")
	}
}

func TestPipeline_BuyApprovedOpensAndForwards(t *testing.T) {
	e := startPipeline(t, "ABC")
	ctx := context.Background()

	sig := newSignal("s1", "ABC", "buy")
	if err := e.signals.Create(ctx, sig); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(sig); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}

	waitStatus(t, e.signals, "s1", domain.StatusForwardedSuccess)

	if open, _ := e.positions.IsOpen(ctx, "ABC"); !open {
		t.Error("Expected open position after approved buy")
	}
	if e.sink.count() != 1 {
		t.Errorf("Expected 1 forward, got %d", e.sink.count())
	}

	// The lifecycle passed through queued_forwarding on the way.
	events, err := e.signals.Events(ctx, "s1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	var sawQueued bool
	for _, ev := range events {
		if ev.Status == domain.StatusQueuedForwarding {
			sawQueued = true
		}
	}
	if !sawQueued {
		t.Error("Expected a queued_forwarding event in the history")
	}
}

func TestPipeline_SellLifecycle(t *testing.T) {
	e := startPipeline(t, "ABC")
	ctx := context.Background()

	// Sell with no position is rejected.
	sell := newSignal("s-early", "ABC", "sell")
	if err := e.signals.Create(ctx, sell); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(sell); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, e.signals, "s-early", domain.StatusRejected)

	// Buy opens the position.
	buy := newSignal("s-buy", "ABC", "buy")
	if err := e.signals.Create(ctx, buy); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(buy); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, e.signals, "s-buy", domain.StatusForwardedSuccess)

	// Sell closes it after a successful forward.
	sell2 := newSignal("s-sell", "ABC", "sell")
	if err := e.signals.Create(ctx, sell2); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(sell2); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, e.signals, "s-sell", domain.StatusForwardedSuccess)

	deadline := time.After(2 * time.Second)
	for {
		pos, err := e.positions.Get(ctx, "ABC")
		if err == nil && pos.Status == domain.PositionClosed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Position not closed, got %+v (err %v)", pos, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPipeline_UnknownSideRejected(t *testing.T) {
	e := startPipeline(t, "ABC")
	ctx := context.Background()

	sig := newSignal("s1", "ABC", "hold")
	if err := e.signals.Create(ctx, sig); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(sig); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}

	waitStatus(t, e.signals, "s1", domain.StatusRejected)
}

func TestPipeline_HTTPErrorOutcomeKeepsClosingPosition(t *testing.T) {
	e := startPipeline(t, "ABC")
	ctx := context.Background()

	buy := newSignal("s-buy", "ABC", "buy")
	if err := e.signals.Create(ctx, buy); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(buy); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, e.signals, "s-buy", domain.StatusForwardedSuccess)

	// Sink starts failing; the sell forward terminates with http_error
	// and the position stays CLOSING (close happens only on success).
	e.sink.mu.Lock()
	e.sink.outcome = forward.Outcome{Kind: forward.OutcomeHTTPError, StatusCode: 503, Err: errors.New("sink responded 503")}
	e.sink.mu.Unlock()

	sell := newSignal("s-sell", "ABC", "sell")
	if err := e.signals.Create(ctx, sell); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.ingress.TryPut(sell); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, e.signals, "s-sell", domain.StatusForwardedHTTPError)

	pos, err := e.positions.Get(ctx, "ABC")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if pos.Status != domain.PositionClosing {
		t.Errorf("Expected position to stay CLOSING, got %v", pos.Status)
	}
}

func TestDecisionPool_PanicDoesNotKillWorker(t *testing.T) {
	// A nil provider makes decideBuy panic; the worker must survive and
	// write a terminal error, then keep serving.
	signals := memory.NewSignalStore()
	positions := memory.NewPositionStore()
	ingress := queue.NewBounded[*domain.Signal](4)
	approved := queue.NewBounded[*domain.QueueEntry](4)

	pool := NewDecisionPool(DecisionPoolOptions{
		Workers:   1,
		Ingress:   ingress,
		Approved:  approved,
		Signals:   signals,
		Positions: positions,
		Provider:  nil,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); pool.Run(ctx) }()
	defer func() { cancel(); <-done }()

	bad := newSignal("s-bad", "ABC", "buy")
	if err := signals.Create(ctx, bad); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ingress.TryPut(bad); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, signals, "s-bad", domain.StatusError)

	// The worker is still alive and processes the next signal.
	next := newSignal("s-next", "ABC", "hold")
	if err := signals.Create(ctx, next); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ingress.TryPut(next); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	waitStatus(t, signals, "s-next", domain.StatusRejected)
}
