package teleconsult

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/websocket"
)

// -- Mock Session Repository --

// mockSessionRepo mirrors the conditional-update semantics of the Postgres
// repository: every write checks the stored state under one lock and bumps
// the version.
type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	rooms    map[string]bool
	casWins  int
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{
		sessions: make(map[uuid.UUID]*Session),
		rooms:    make(map[string]bool),
	}
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[s.RoomID] {
		return fmt.Errorf("duplicate room_id %s", s.RoomID)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.VersionID = 1
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.rooms[s.RoomID] = true
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *mockSessionRepo) CompareAndSetStatus(_ context.Context, next *Session, fromVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[next.ID]
	if !ok || s.VersionID != fromVersion {
		return false, nil
	}
	s.Status = next.Status
	s.StartedAt = clonePtr(next.StartedAt)
	s.EndedAt = clonePtr(next.EndedAt)
	s.DurationMinutes = clonePtr(next.DurationMinutes)
	s.CancelReason = clonePtr(next.CancelReason)
	s.CancelledBy = clonePtr(next.CancelledBy)
	s.Present = append([]string{}, next.Present...)
	s.VersionID++
	m.casWins++
	return true, nil
}

func (m *mockSessionRepo) ReassignClinician(_ context.Context, id uuid.UUID, oldClinician, newClinician string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusScheduled || s.ClinicianID == nil || *s.ClinicianID != oldClinician {
		return false, nil
	}
	participants := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p != oldClinician {
			participants = append(participants, p)
		}
	}
	s.Participants = append(participants, newClinician)
	s.ClinicianID = &newClinician
	s.VersionID++
	return true, nil
}

func (m *mockSessionRepo) AddPresence(_ context.Context, id uuid.UUID, userID string, anyone bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive || (!anyone && !s.HasParticipant(userID)) {
		return false, nil
	}
	if !slices.Contains(s.Present, userID) {
		s.Present = append(s.Present, userID)
		s.VersionID++
	}
	return true, nil
}

func (m *mockSessionRepo) RemovePresence(_ context.Context, id uuid.UUID, userID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return 0, false, nil
	}
	present := s.Present[:0:0]
	for _, p := range s.Present {
		if p != userID {
			present = append(present, p)
		}
	}
	if len(present) != len(s.Present) {
		s.VersionID++
	}
	s.Present = present
	return len(present), true, nil
}

func (m *mockSessionRepo) ListByParticipant(_ context.Context, userID string, f ListFilter) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Session
	for _, s := range m.sessions {
		if !s.HasParticipant(userID) {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Kind != "" && s.Kind != f.Kind {
			continue
		}
		if f.ScheduledFrom != nil && (s.ScheduledAt == nil || s.ScheduledAt.Before(*f.ScheduledFrom)) {
			continue
		}
		if f.ScheduledTo != nil && (s.ScheduledAt == nil || !s.ScheduledAt.Before(*f.ScheduledTo)) {
			continue
		}
		matched = append(matched, s.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID.String() < matched[j].ID.String() })
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (m *mockSessionRepo) ListDueForMissed(_ context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Session
	for _, s := range m.sessions {
		if s.Status == StatusScheduled && s.ScheduledAt != nil && s.ScheduledAt.Before(cutoff) {
			due = append(due, s.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// setScheduledAt backdates a session for sweep tests.
func (m *mockSessionRepo) setScheduledAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id].ScheduledAt = &at
}

func (m *mockSessionRepo) wins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casWins
}

// -- Mock Directory --

type mockDirectory struct {
	users map[string]*Identity
	err   error
}

func newMockDirectory(users ...Identity) *mockDirectory {
	d := &mockDirectory{users: make(map[string]*Identity)}
	for i := range users {
		u := users[i]
		d.users[u.ID] = &u
	}
	return d
}

func (d *mockDirectory) Lookup(_ context.Context, ids []string) (map[string]*Identity, error) {
	if d.err != nil {
		return nil, d.err
	}
	found := make(map[string]*Identity)
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			found[id] = u
		}
	}
	return found, nil
}

// -- Mock Payments --

type mockPayments struct {
	mu     sync.Mutex
	status map[uuid.UUID]PaymentStatus
	reads  int
}

func newMockPayments() *mockPayments {
	return &mockPayments{status: make(map[uuid.UUID]PaymentStatus)}
}

func (p *mockPayments) set(appointmentID uuid.UUID, st PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[appointmentID] = st
}

func (p *mockPayments) PaymentStatus(_ context.Context, appointmentID uuid.UUID) (PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if st, ok := p.status[appointmentID]; ok {
		return st, nil
	}
	return PaymentUnpaid, nil
}

// -- Recording Publisher --

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}
