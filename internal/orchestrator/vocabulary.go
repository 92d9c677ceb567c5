package orchestrator

import "sort"

// eventTypeByAction maps the client-facing action vocabulary to the
// authority's event vocabulary. The table is deliberately finite: an action
// type absent from it is a hard validation error, never a silent no-op.
// LegacyAction predates the current naming and survives only through its
// mapped event type.
var eventTypeByAction = map[string]string{
	"APPROVE_DEAL":        "DEAL_APPROVED",
	"REJECT_DEAL":         "DEAL_REJECTED",
	"SEND_FOR_SIGNATURE":  "SIGNATURE_REQUESTED",
	"MARK_EXECUTED":       "DEAL_EXECUTED",
	"RECORD_DISTRIBUTION": "DISTRIBUTION_RECORDED",
	"ARCHIVE_DEAL":        "DEAL_ARCHIVED",
	"LegacyAction":        "LegacyEventOccurred",
}

// ResolveEventType returns the authority event type for an action type, and
// whether the action type is known at all.
func ResolveEventType(actionType string) (string, bool) {
	eventType, ok := eventTypeByAction[actionType]
	return eventType, ok
}

// KnownActionTypes lists the accepted action vocabulary in sorted order.
func KnownActionTypes() []string {
	out := make([]string, 0, len(eventTypeByAction))
	for actionType := range eventTypeByAction {
		out = append(out, actionType)
	}
	sort.Strings(out)
	return out
}
