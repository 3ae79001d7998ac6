package teleconsult

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionRepository persists sessions. Implementations must return
// ErrSessionNotFound for unknown ids and must make every conditional update
// atomic with respect to the state it checks. Presence changes bump the
// version like any other write.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// CompareAndSetStatus writes next's lifecycle fields only if the stored
	// version still equals fromVersion, so any concurrent write (status,
	// clinician or presence) invalidates a decision taken on the older read.
	// It reports whether the write happened.
	CompareAndSetStatus(ctx context.Context, next *Session, fromVersion int) (bool, error)
	// ReassignClinician swaps the clinician while the session is scheduled
	// and still assigned to oldClinician.
	ReassignClinician(ctx context.Context, id uuid.UUID, oldClinician, newClinician string) (bool, error)
	// AddPresence records userID in an active session's presence list. Unless
	// anyone is set, userID must also be a participant. applied is false when
	// either condition no longer holds.
	AddPresence(ctx context.Context, id uuid.UUID, userID string, anyone bool) (applied bool, err error)
	// RemovePresence drops userID from an active session's presence list and
	// returns how many remain. ok is false when the session is not active.
	RemovePresence(ctx context.Context, id uuid.UUID, userID string) (remaining int, ok bool, err error)
	ListByParticipant(ctx context.Context, userID string, f ListFilter) ([]*Session, int, error)
	// ListDueForMissed returns scheduled sessions whose scheduled time is
	// before cutoff, oldest first.
	ListDueForMissed(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
}

// UserDirectory resolves participant identities.
type UserDirectory interface {
	// Lookup returns the identities found; ids absent from the map do not exist.
	Lookup(ctx context.Context, ids []string) (map[string]*Identity, error)
}

// PaymentStatusReader reads an appointment's payment status at join time.
type PaymentStatusReader interface {
	PaymentStatus(ctx context.Context, appointmentID uuid.UUID) (PaymentStatus, error)
}
