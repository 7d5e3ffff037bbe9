package domain

// Attribution tags recording which subsystem approved a queue entry.
const (
	ApprovedByDecision     = "decision"
	ApprovedByReprocessing = "reprocessing"
)

// QueueEntry is the envelope placed on the approved queue.
type QueueEntry struct {
	Signal     *Signal
	Instrument string // normalized instrument id
	ApprovedAt int64  // ms
	ApprovedBy string // attribution tag
}
