package geofence

import (
	"time"

	"github.com/onnwee/venuefence/internal/membership"
)

// DefaultGracePeriod is how long a user may stay outside before the
// membership is terminated.
const DefaultGracePeriod = 30 * time.Minute

// Event drives a membership state transition.
type Event int

const (
	// EventInside is a location update classified Inside.
	EventInside Event = iota
	// EventOutside is a location update classified Outside.
	EventOutside
	// EventSweep is a periodic grace check with no new position.
	EventSweep
	// EventUnsubscribe is an explicit user unsubscribe.
	EventUnsubscribe
)

func (e Event) String() string {
	switch e {
	case EventInside:
		return "inside"
	case EventOutside:
		return "outside"
	case EventSweep:
		return "sweep"
	case EventUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Next is the exit state machine. The location pipeline and the sweeper both
// call it, so reactive and periodic expiry share one grace rule. It is pure:
// the caller persists the returned state.
//
// Repeated Outside events never move the since timestamp forward; only an
// Inside event clears it.
func Next(s membership.State, ev Event, now time.Time, grace time.Duration) membership.State {
	if s.IsTerminated() {
		return s
	}

	if ev == EventUnsubscribe {
		return membership.Terminated(membership.ReasonUserInitiated)
	}

	since, outside := s.Since()
	switch ev {
	case EventInside:
		return membership.Inside()
	case EventOutside:
		if !outside {
			return membership.OutsideSince(now)
		}
		if graceExpired(since, now, grace) {
			return membership.Terminated(membership.ReasonExitTimeout)
		}
		return s
	case EventSweep:
		if outside && graceExpired(since, now, grace) {
			return membership.Terminated(membership.ReasonExitTimeout)
		}
		return s
	default:
		return s
	}
}

func graceExpired(since, now time.Time, grace time.Duration) bool {
	return now.Sub(since) >= grace
}
