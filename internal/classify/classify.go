// Package classify derives side classifications and normalized instrument
// ids from raw alert fields.
package classify

import (
	"strings"

	"signal-relay/internal/domain"
)

// Trigger vocabularies. Matching is case-insensitive on trimmed input.
var (
	buyTriggers  = map[string]struct{}{"buy": {}, "long": {}, "enter": {}}
	sellTriggers = map[string]struct{}{"sell": {}, "exit": {}, "close": {}}
)

// NormalizeInstrument returns the canonical instrument id: trimmed, uppercased.
func NormalizeInstrument(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Side classifies an alert from its two free-text fields.
// Precedence: a sell trigger in either field wins; then a buy trigger;
// otherwise UNKNOWN. UNKNOWN is never treated as BUY at ingress.
func Side(sideText, actionText string) domain.Side {
	side := normalize(sideText)
	action := normalize(actionText)

	if matches(side, sellTriggers) || matches(action, sellTriggers) {
		return domain.SideSell
	}
	if matches(side, buyTriggers) || matches(action, buyTriggers) {
		return domain.SideBuy
	}
	return domain.SideUnknown
}

// SideDefaultBuy classifies for the reprocessing path, where only
// buy-shaped history is replayed: anything not explicitly a sell
// defaults to BUY. This intentionally differs from ingress
// classification, which rejects ambiguous signals.
func SideDefaultBuy(sideText, actionText string) domain.Side {
	if Side(sideText, actionText) == domain.SideSell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matches(s string, triggers map[string]struct{}) bool {
	_, ok := triggers[s]
	return ok
}
