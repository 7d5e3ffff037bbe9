package domain

// Signal represents one inbound trading alert with a lifecycle status.
// Corresponds to the signals table.
type Signal struct {
	SignalID      string       // unique id, assigned at the ingress boundary
	Instrument    string       // normalized (trimmed, uppercased) instrument id
	InstrumentRaw string       // instrument id exactly as received
	SideText      string       // free-text "side" field from the alert
	ActionText    string       // free-text "action" field from the alert
	Side          Side         // classification derived from the two fields above
	Price         *float64     // pass-through, nullable
	SourceTime    int64        // alert source timestamp (ms), pass-through
	Status        SignalStatus
	CreatedAt     int64        // ingress timestamp (ms)
	RawPayload    []byte       // original alert body, used by reprocessing reconstruction
}

// SignalEvent is one entry in a signal's event history.
type SignalEvent struct {
	SignalID   string
	Status     SignalStatus
	Detail     string // human-readable reason
	WorkerID   string // worker or subsystem that produced the event
	HTTPStatus *int   // sink response status, forwarding events only
	Error      string // error text, empty for non-error events
	CreatedAt  int64  // event timestamp (ms)
}
