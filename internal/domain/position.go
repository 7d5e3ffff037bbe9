package domain

import "fmt"

// PositionStatus is the lifecycle of a tracked position.
// OPEN --(sell approved)--> CLOSING --(sell forwarded successfully)--> CLOSED
type PositionStatus int

const (
	PositionOpen PositionStatus = iota
	PositionClosing
	PositionClosed
)

var positionStatusNames = map[PositionStatus]string{
	PositionOpen:    "OPEN",
	PositionClosing: "CLOSING",
	PositionClosed:  "CLOSED",
}

var positionStatusValues = map[string]PositionStatus{
	"OPEN":    PositionOpen,
	"CLOSING": PositionClosing,
	"CLOSED":  PositionClosed,
}

// String returns the storage form of the position status.
func (s PositionStatus) String() string {
	if name, ok := positionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParsePositionStatus decodes a storage-form position status string.
func ParsePositionStatus(s string) (PositionStatus, error) {
	if v, ok := positionStatusValues[s]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown position status %q", s)
}

// Position tracks capital committed to an instrument.
// Invariant: at most one position per instrument is OPEN or CLOSING at any time.
type Position struct {
	Instrument    string
	Status        PositionStatus
	EntrySignalID string
	ExitSignalID  *string // set when a sell is approved
	OpenedAt      int64   // ms
	ClosedAt      *int64  // ms, set on close
}
