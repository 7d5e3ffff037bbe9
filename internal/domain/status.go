package domain

import "fmt"

// SignalStatus is the single ordered lifecycle enumeration for a signal.
// Status only moves forward; the reprocessing path is the one sanctioned
// exception (rejected → approved).
type SignalStatus int

const (
	StatusReceived SignalStatus = iota
	StatusProcessing
	StatusApproved
	StatusQueuedForwarding
	StatusForwarding
	StatusForwardedSuccess
	StatusForwardedHTTPError
	StatusForwardedTimeout
	StatusForwardedGenericError
	StatusRejected
	StatusError
)

// statusNames is the storage-boundary codec table. The string forms are
// what persistence sees; code only ever handles SignalStatus values.
var statusNames = map[SignalStatus]string{
	StatusReceived:              "received",
	StatusProcessing:            "processing",
	StatusApproved:              "approved",
	StatusQueuedForwarding:      "queued_forwarding",
	StatusForwarding:            "forwarding",
	StatusForwardedSuccess:      "forwarded_success",
	StatusForwardedHTTPError:    "forwarded_http_error",
	StatusForwardedTimeout:      "forwarded_timeout",
	StatusForwardedGenericError: "forwarded_generic_error",
	StatusRejected:              "rejected",
	StatusError:                 "error",
}

var statusValues = func() map[string]SignalStatus {
	m := make(map[string]SignalStatus, len(statusNames))
	for k, v := range statusNames {
		m[v] = k
	}
	return m
}()

// String returns the storage form of the status.
func (s SignalStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseSignalStatus decodes a storage-form status string.
func ParseSignalStatus(s string) (SignalStatus, error) {
	if v, ok := statusValues[s]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown signal status %q", s)
}

// IsTerminal reports whether no further transition is expected
// (outside the sanctioned reprocessing exception for rejected).
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case StatusForwardedSuccess, StatusForwardedHTTPError,
		StatusForwardedTimeout, StatusForwardedGenericError,
		StatusRejected, StatusError:
		return true
	}
	return false
}

// Side is the buy/sell classification derived from an alert's free-text fields.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

var sideNames = map[Side]string{
	SideUnknown: "UNKNOWN",
	SideBuy:     "BUY",
	SideSell:    "SELL",
}

var sideValues = map[string]Side{
	"UNKNOWN": SideUnknown,
	"BUY":     SideBuy,
	"SELL":    SideSell,
}

// String returns the storage form of the side.
func (s Side) String() string {
	if name, ok := sideNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseSide decodes a storage-form side string.
func ParseSide(s string) (Side, error) {
	if v, ok := sideValues[s]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}
