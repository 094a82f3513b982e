package machine

import (
	"time"

	"github.com/jorge-barreto/stepwise/internal/manifest"
)

type EventKind string

const (
	EventBegin         EventKind = "begin"
	EventComplete      EventKind = "complete"
	EventFail          EventKind = "fail"
	EventBlockedByGate EventKind = "blockedByGate"
	EventDecide        EventKind = "decide"
	EventReset         EventKind = "reset"

	// eventRetry is recorded when a failed step is re-armed in the same
	// transition. It is never applied directly.
	eventRetry EventKind = "retry"
)

// Event is an input to Apply. At supplies every timestamp the transition
// writes so that Apply stays a pure function.
type Event struct {
	Kind      EventKind
	At        time.Time
	Outputs   map[string]string
	Error     string
	Decision  manifest.Decision
	DecidedBy string
	Notes     string
	Actor     string
	Force     bool
}

func Begin(at time.Time, actor string) Event {
	return Event{Kind: EventBegin, At: at, Actor: actor}
}

func Complete(at time.Time, outputs map[string]string) Event {
	return Event{Kind: EventComplete, At: at, Outputs: outputs}
}

func Fail(at time.Time, msg string) Event {
	return Event{Kind: EventFail, At: at, Error: msg}
}

func BlockedByGate(at time.Time, outputs map[string]string) Event {
	return Event{Kind: EventBlockedByGate, At: at, Outputs: outputs}
}

func Decide(at time.Time, d manifest.GateDecision) Event {
	return Event{Kind: EventDecide, At: at, Decision: d.Decision, DecidedBy: d.DecidedBy, Notes: d.Notes}
}

func Reset(at time.Time, force bool) Event {
	return Event{Kind: EventReset, At: at, Force: force}
}

func (e Event) entry(step string, from, to manifest.Status) manifest.Entry {
	return manifest.Entry{
		Step:      step,
		Event:     string(e.Kind),
		From:      from,
		To:        to,
		At:        e.At,
		Outputs:   copyOutputs(e.Outputs),
		Error:     e.Error,
		Decision:  e.Decision,
		DecidedBy: e.DecidedBy,
		Notes:     e.Notes,
		Actor:     e.Actor,
		Force:     e.Force,
	}
}

// EventFromEntry rebuilds the event that produced a history entry.
func EventFromEntry(e manifest.Entry) Event {
	return Event{
		Kind:      EventKind(e.Event),
		At:        e.At,
		Outputs:   copyOutputs(e.Outputs),
		Error:     e.Error,
		Decision:  e.Decision,
		DecidedBy: e.DecidedBy,
		Notes:     e.Notes,
		Actor:     e.Actor,
		Force:     e.Force,
	}
}

func copyOutputs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
