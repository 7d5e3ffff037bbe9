package observability

// Snapshot is a point-in-time view of pipeline state for dashboard
// sinks. Fire-and-forget: sink failures never affect the pipeline.
type Snapshot struct {
	TakenAt int64 `json:"taken_at"`

	IngressQueueDepth  int `json:"ingress_queue_depth"`
	ApprovedQueueDepth int `json:"approved_queue_depth"`

	PermitsAvailable     int  `json:"permits_available"`
	PermitsPendingReturn int  `json:"permits_pending_return"`
	RequestsLastWindow   int  `json:"requests_last_window"`
	AcquireWaits         int  `json:"acquire_waits"`
	RateLimiterEnabled   bool `json:"rate_limiter_enabled"`

	OpenInstruments []string `json:"open_instruments"`

	ReprocessHealth      string  `json:"reprocess_health"`
	ReprocessSuccessRate float64 `json:"reprocess_success_rate"`
	ReprocessLastRunMs   int64   `json:"reprocess_last_run_ms"`
}

// Sink receives periodic snapshots.
type Sink interface {
	Publish(snapshot *Snapshot)
}

// MultiSink fans a snapshot out to several sinks.
type MultiSink []Sink

// Compile-time interface check.
var _ Sink = (MultiSink)(nil)

func (m MultiSink) Publish(snapshot *Snapshot) {
	for _, sink := range m {
		sink.Publish(snapshot)
	}
}

// PromSink mirrors snapshot fields onto the Prometheus gauges so the
// /metrics endpoint and dashboard sinks stay consistent.
type PromSink struct {
	metrics *Metrics
}

// NewPromSink creates a PromSink over the given metrics.
func NewPromSink(metrics *Metrics) *PromSink {
	return &PromSink{metrics: metrics}
}

// Compile-time interface check.
var _ Sink = (*PromSink)(nil)

func (p *PromSink) Publish(snapshot *Snapshot) {
	p.metrics.IngressQueueDepth.Set(float64(snapshot.IngressQueueDepth))
	p.metrics.ApprovedQueueDepth.Set(float64(snapshot.ApprovedQueueDepth))
	p.metrics.PermitsAvailable.Set(float64(snapshot.PermitsAvailable))
	p.metrics.PermitsPendingReturn.Set(float64(snapshot.PermitsPendingReturn))
	p.metrics.RequestsLastWindow.Set(float64(snapshot.RequestsLastWindow))
}
