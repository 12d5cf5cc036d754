package membership

import (
	"fmt"
	"time"
)

// StateKind discriminates the membership lifecycle states.
type StateKind int

const (
	// KindInside means the user was last classified inside the region.
	KindInside StateKind = iota
	// KindOutsideTentative means the user left and the grace period is running.
	KindOutsideTentative
	// KindTerminated is final; the membership is retained but inactive.
	KindTerminated
)

func (k StateKind) String() string {
	switch k {
	case KindInside:
		return "inside"
	case KindOutsideTentative:
		return "outside_tentative"
	case KindTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// Reason records why a membership was terminated.
type Reason string

const (
	// ReasonUserInitiated is an explicit unsubscribe.
	ReasonUserInitiated Reason = "user_initiated"
	// ReasonExitTimeout is a grace-period expiry.
	ReasonExitTimeout Reason = "exit_timeout"
)

// State is the tagged lifecycle state of a membership. Values are built only
// through Inside, OutsideSince and Terminated, so a since timestamp exists
// only while tentatively outside and a reason only once terminated.
type State struct {
	kind   StateKind
	since  time.Time
	reason Reason
}

// Inside returns the Inside state.
func Inside() State {
	return State{kind: KindInside}
}

// OutsideSince returns the OutsideTentative state that began at since.
func OutsideSince(since time.Time) State {
	return State{kind: KindOutsideTentative, since: since}
}

// Terminated returns the final state with the given reason.
func Terminated(reason Reason) State {
	return State{kind: KindTerminated, reason: reason}
}

// Kind returns the state discriminator.
func (s State) Kind() StateKind { return s.kind }

// Since returns when the user was first seen outside and true while the
// state is OutsideTentative.
func (s State) Since() (time.Time, bool) {
	if s.kind != KindOutsideTentative {
		return time.Time{}, false
	}
	return s.since, true
}

// Reason returns the termination reason and true once terminated.
func (s State) Reason() (Reason, bool) {
	if s.kind != KindTerminated {
		return "", false
	}
	return s.reason, true
}

// IsTerminated reports whether the state is final.
func (s State) IsTerminated() bool { return s.kind == KindTerminated }

// Equal reports whether two states are identical.
func (s State) Equal(o State) bool {
	return s.kind == o.kind && s.since.Equal(o.since) && s.reason == o.reason
}

func (s State) String() string {
	switch s.kind {
	case KindOutsideTentative:
		return fmt.Sprintf("outside_tentative(%s)", s.since.Format(time.RFC3339))
	case KindTerminated:
		return fmt.Sprintf("terminated(%s)", s.reason)
	default:
		return s.kind.String()
	}
}
