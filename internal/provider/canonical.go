package provider

import "strings"

// State is the canonical task state vocabulary. Every adapter translates its
// provider's raw status strings into one of these; nothing outside this
// package ever string-matches a raw provider status.
type State int

const (
	// StateUnknown is any status string the alias table does not recognize.
	StateUnknown State = iota

	// StatePending means the remote job is queued or running.
	StatePending

	// StateSuccess means the remote job finished and produced an artifact.
	StateSuccess

	// StateBusinessFailure means the provider terminally rejected or failed
	// the job; retrying the same input will not help.
	StateBusinessFailure
)

// String returns the state's name for logging.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSuccess:
		return "success"
	case StateBusinessFailure:
		return "business_failure"
	default:
		return "unknown"
	}
}

// statusAliases maps lowercased provider status strings to canonical states.
// Grown empirically from the providers integrated so far.
var statusAliases = map[string]State{
	"success":   StateSuccess,
	"succeeded": StateSuccess,
	"completed": StateSuccess,
	"finished":  StateSuccess,
	"ok":        StateSuccess,

	"created":    StatePending,
	"queued":     StatePending,
	"processing": StatePending,
	"pending":    StatePending,
	"scheduled":  StatePending,
	"starting":   StatePending,
	"running":    StatePending,

	"failed":    StateBusinessFailure,
	"failure":   StateBusinessFailure,
	"error":     StateBusinessFailure,
	"canceled":  StateBusinessFailure,
	"cancelled": StateBusinessFailure,
}

// Canonicalize maps a raw provider status string to its canonical state,
// case-insensitively. Unrecognized statuses map to StateUnknown so the
// polling loop can keep going instead of guessing.
func Canonicalize(raw string) State {
	if state, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state
	}
	return StateUnknown
}
