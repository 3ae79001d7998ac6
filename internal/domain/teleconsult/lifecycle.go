package teleconsult

import (
	"fmt"
	"math"
	"time"
)

// Event drives a session through its lifecycle.
type Event string

const (
	// EventJoin is the first (or any later) participant entering the room.
	EventJoin Event = "join"
	// EventEnd is an explicit end or the last participant leaving.
	EventEnd Event = "end"
	// EventCancel is the owner or an administrator calling the session off.
	EventCancel Event = "cancel"
	// EventMiss is the external scheduler reporting nobody joined in time.
	EventMiss Event = "miss"
)

// ParseEvent validates a wire value.
func ParseEvent(s string) (Event, error) {
	switch ev := Event(s); ev {
	case EventJoin, EventEnd, EventCancel, EventMiss:
		return ev, nil
	}
	return "", invalid("event", "unknown event %q", s)
}

// SystemActor performs transitions nobody requested directly, such as the
// end that follows the last participant leaving.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

type edge struct {
	from Status
	ev   Event
}

// transitions is the complete edge set; anything absent is illegal.
var transitions = map[edge]Status{
	{StatusScheduled, EventJoin}:   StatusActive,
	{StatusActive, EventJoin}:      StatusActive,
	{StatusActive, EventEnd}:       StatusCompleted,
	{StatusScheduled, EventCancel}: StatusCancelled,
	{StatusScheduled, EventMiss}:   StatusMissed,
}

// Transition applies ev to s on behalf of actor and returns the resulting
// session. s itself is never modified. changed is false for the idempotent
// join on an already active session.
func Transition(s *Session, ev Event, actor Actor, now time.Time) (next *Session, changed bool, err error) {
	to, ok := transitions[edge{s.Status, ev}]
	if !ok {
		return s, false, transitionError(s.Status, ev)
	}
	if err := authorizeTransition(s, ev, actor); err != nil {
		return s, false, err
	}
	if to == s.Status {
		return s, false, nil
	}

	next = s.Clone()
	next.Status = to
	next.UpdatedAt = now

	switch ev {
	case EventJoin:
		if next.StartedAt == nil {
			next.StartedAt = ptr(now)
		}
	case EventEnd:
		next.EndedAt = ptr(now)
		next.Present = nil
		if next.StartedAt != nil {
			next.DurationMinutes = ptr(durationMinutes(*next.StartedAt, now))
		}
	case EventCancel:
		next.CancelledBy = ptr(actor.ID)
	}
	return next, true, nil
}

func authorizeTransition(s *Session, ev Event, actor Actor) error {
	switch ev {
	case EventCancel:
		if actor.IsAdmin() || actor.ID == s.OwnerID {
			return nil
		}
		return fmt.Errorf("%w: only the owner or an administrator may cancel", ErrNotAuthorized)
	case EventMiss:
		if actor.IsAdmin() {
			return nil
		}
		return fmt.Errorf("%w: missed sessions are reported by the scheduler", ErrNotAuthorized)
	case EventEnd:
		if actor.IsAdmin() || s.HasParticipant(actor.ID) {
			return nil
		}
		return fmt.Errorf("%w: only participants may end a session", ErrNotAuthorized)
	}
	return nil
}

func durationMinutes(started, ended time.Time) int {
	return int(math.Round(ended.Sub(started).Minutes()))
}
