package teleconsult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/roomtoken"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

// maxCASAttempts bounds how often a conditional write is retried after
// losing a race. Every retry reloads and re-evaluates the session.
const maxCASAttempts = 5

// sweepConcurrency bounds parallel miss transitions during a sweep.
const sweepConcurrency = 8

// CreateSessionInput is the booking request.
type CreateSessionInput struct {
	Kind           Kind        `json:"kind"`
	RoleContext    RoleContext `json:"role_context"`
	Participants   []string    `json:"participants"`
	AppointmentID  *uuid.UUID  `json:"appointment_id,omitempty"`
	OrganizationID *string     `json:"organization_id,omitempty"`
	Title          *string     `json:"title,omitempty"`
	ScheduledAt    *time.Time  `json:"scheduled_at,omitempty"`
}

// JoinResult is what requestJoin hands back: either a grant or the reason
// the gate refused one.
type JoinResult struct {
	Allowed    bool       `json:"allowed"`
	Reason     DenyReason `json:"reason,omitempty"`
	Role       RoomRole   `json:"role,omitempty"`
	RoomID     string     `json:"room_id,omitempty"`
	MeetingURL string     `json:"meeting_url,omitempty"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Status     Status     `json:"status,omitempty"`
}

type Service struct {
	sessions  SessionRepository
	directory UserDirectory
	payments  PaymentStatusReader
	tokens    *roomtoken.Issuer
	rooms     *roomtoken.Generator
	events    websocket.EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(sessions SessionRepository, directory UserDirectory, payments PaymentStatusReader,
	tokens *roomtoken.Issuer, events websocket.EventPublisher, logger zerolog.Logger) *Service {
	return &Service{
		sessions:  sessions,
		directory: directory,
		payments:  payments,
		tokens:    tokens,
		rooms:     roomtoken.NewGenerator(nil),
		events:    events,
		logger:    logger.With().Str("component", "teleconsult").Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithRoomGenerator replaces the room id generator. Intended for tests.
func (s *Service) WithRoomGenerator(g *roomtoken.Generator) *Service {
	s.rooms = g
	return s
}

// -- Booking --

func (s *Service) CreateSession(ctx context.Context, creator Actor, in CreateSessionInput) (*Session, error) {
	participants, err := validateCreate(creator, in)
	if err != nil {
		return nil, err
	}

	found, err := s.directory.Lookup(ctx, participants)
	if err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	var missing []string
	for _, id := range participants {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrParticipantsNotFound, missing)
	}

	if err := authorizeCreation(in.RoleContext, creator); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:             uuid.New(),
		Kind:           in.Kind,
		OwnerID:        creator.ID,
		OrganizationID: in.OrganizationID,
		Participants:   participants,
		Present:        []string{},
		RoleContext:    in.RoleContext,
		Status:         StatusScheduled,
		Title:          in.Title,
		ScheduledAt:    in.ScheduledAt,
	}

	parent := sess.ID.String()
	if in.Kind == KindConsultation {
		patient, clinician, err := consultationPair(participants, found)
		if err != nil {
			return nil, err
		}
		sess.PatientID = &patient
		sess.ClinicianID = &clinician
		sess.AppointmentID = in.AppointmentID
		parent = in.AppointmentID.String()
	}
	sess.RoomID = s.rooms.NewRoomID(string(in.Kind), parent)

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("kind", string(sess.Kind)).
		Str("role_context", string(sess.RoleContext)).
		Str("owner_id", sess.OwnerID).
		Msg("session created")
	return sess, nil
}

// validateCreate checks the request shape and returns the normalized,
// de-duplicated participant set.
func validateCreate(creator Actor, in CreateSessionInput) ([]string, error) {
	if creator.ID == "" {
		return nil, invalid("owner", "caller identity is required")
	}
	switch in.Kind {
	case KindMeeting, KindConsultation:
	case "":
		return nil, invalid("kind", "kind is required")
	default:
		return nil, invalid("kind", "unknown kind %q", in.Kind)
	}
	if in.RoleContext == "" {
		return nil, invalid("role_context", "role_context is required")
	}
	if !ValidRoleContext(in.RoleContext) {
		return nil, invalid("role_context", "unknown role_context %q", in.RoleContext)
	}

	raw := in.Participants
	if in.Kind == KindMeeting {
		raw = append([]string{creator.ID}, raw...)
	}
	seen := make(map[string]bool, len(raw))
	participants := make([]string, 0, len(raw))
	for _, id := range raw {
		if id == "" {
			return nil, invalid("participants", "participant ids must not be empty")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}
	if len(participants) == 0 {
		return nil, invalid("participants", "at least one participant is required")
	}

	if in.Kind == KindConsultation {
		if in.AppointmentID == nil || *in.AppointmentID == uuid.Nil {
			return nil, invalid("appointment_id", "appointment_id is required for consultations")
		}
		if len(participants) != 2 {
			return nil, invalid("participants", "a consultation has exactly two participants, got %d", len(participants))
		}
	} else if in.AppointmentID != nil {
		return nil, invalid("appointment_id", "meetings are not linked to appointments")
	}
	return participants, nil
}

// consultationPair picks the patient and the doctor out of a two-member
// participant set.
func consultationPair(participants []string, found map[string]*Identity) (patient, clinician string, err error) {
	for _, id := range participants {
		switch found[id].Role {
		case RolePatient:
			if patient != "" {
				return "", "", invalid("participants", "a consultation has exactly one patient")
			}
			patient = id
		case RoleDoctor:
			if clinician != "" {
				return "", "", invalid("participants", "a consultation has exactly one doctor")
			}
			clinician = id
		}
	}
	if patient == "" || clinician == "" {
		return "", "", invalid("participants", "a consultation needs one patient and one doctor")
	}
	return patient, clinician, nil
}

// -- Reads --

func (s *Service) GetSession(ctx context.Context, id uuid.UUID, caller Actor) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(sess, caller) {
		return nil, fmt.Errorf("%w: not a member of session %s", ErrNotAuthorized, id)
	}
	return sess, nil
}

func canView(sess *Session, caller Actor) bool {
	return caller.IsAdmin() ||
		caller.ID == sess.OwnerID ||
		sess.HasParticipant(caller.ID) ||
		(sess.OrganizationID != nil && *sess.OrganizationID == caller.ID)
}

func (s *Service) ListSessionsFor(ctx context.Context, caller Actor, userID string, f ListFilter) ([]*Session, int, error) {
	if userID == "" {
		return nil, 0, invalid("user_id", "user_id is required")
	}
	if userID != caller.ID && !caller.IsAdmin() {
		return nil, 0, fmt.Errorf("%w: cannot list sessions of another user", ErrNotAuthorized)
	}
	switch f.Status {
	case "", StatusScheduled, StatusActive, StatusCompleted, StatusCancelled, StatusMissed:
	default:
		return nil, 0, invalid("status", "unknown status %q", f.Status)
	}
	switch f.Kind {
	case "", KindMeeting, KindConsultation:
	default:
		return nil, 0, invalid("kind", "unknown kind %q", f.Kind)
	}
	if f.ScheduledFrom != nil && f.ScheduledTo != nil && !f.ScheduledFrom.Before(*f.ScheduledTo) {
		return nil, 0, invalid("scheduled_to", "must be after scheduled_from")
	}
	return s.sessions.ListByParticipant(ctx, userID, f)
}

// -- Lifecycle --

func (s *Service) CancelSession(ctx context.Context, id uuid.UUID, caller Actor, reason string) (*Session, error) {
	var cancelReason *string
	if reason != "" {
		cancelReason = &reason
	}
	sess, _, err := s.apply(ctx, id, EventCancel, caller, func(next *Session) {
		next.CancelReason = cancelReason
	})
	return sess, err
}

// TransitionSession applies ev on behalf of caller. A join through this
// entry point passes the same gate as RequestJoin but issues no token; a
// denial comes back as a *JoinDeniedError carrying the reason.
func (s *Service) TransitionSession(ctx context.Context, id uuid.UUID, ev Event, caller Actor) (*Session, error) {
	if ev == EventJoin {
		res, sess, err := s.join(ctx, id, caller)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return nil, &JoinDeniedError{Reason: res.Reason, Status: res.Status}
		}
		return sess, nil
	}
	sess, _, err := s.apply(ctx, id, ev, caller, nil)
	return sess, err
}

// apply loads the session, runs the transition and persists it with a
// compare-and-set on the loaded version. A lost race reloads and
// re-evaluates, so the transition is judged against the winner's state.
func (s *Service) apply(ctx context.Context, id uuid.UUID, ev Event, actor Actor, mutate func(*Session)) (*Session, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		next, changed, err := Transition(cur, ev, actor, s.now())
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return cur, false, nil
		}
		if mutate != nil {
			mutate(next)
		}
		ok, err := s.commit(ctx, cur, next, ev, actor)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return next, true, nil
		}
		s.logger.Debug().
			Str("session_id", id.String()).
			Str("event", string(ev)).
			Int("attempt", attempt+1).
			Msg("lost status race, reloading")
	}
	return nil, false, fmt.Errorf("session %s: status kept changing, gave up after %d attempts", id, maxCASAttempts)
}

// commit writes next if the stored session is still at cur's version and
// announces the new status. It reports false when another write got there
// first.
func (s *Service) commit(ctx context.Context, cur, next *Session, ev Event, actor Actor) (bool, error) {
	ok, err := s.sessions.CompareAndSetStatus(ctx, next, cur.VersionID)
	if err != nil || !ok {
		return false, err
	}
	next.VersionID = cur.VersionID + 1
	s.logger.Info().
		Str("session_id", cur.ID.String()).
		Str("event", string(ev)).
		Str("from", string(cur.Status)).
		Str("to", string(next.Status)).
		Str("actor_id", actor.ID).
		Msg("session transition")
	s.publishStatus(ctx, next)
	return true, nil
}

// -- Join --

// RequestJoin runs the join gate and, on approval, activates the session
// and mints a capability token. Denials are returned as data with a nil
// error. ttl may only shorten the issuer's maximum.
func (s *Service) RequestJoin(ctx context.Context, id uuid.UUID, requester Actor, ttl time.Duration) (*JoinResult, error) {
	res, sess, err := s.join(ctx, id, requester)
	if err != nil || !res.Allowed {
		return res, err
	}

	name := requester.Name
	if name == "" {
		name = requester.ID
	}
	grant, err := s.tokens.Issue(roomtoken.IssueRequest{
		RoomID:      sess.RoomID,
		Subject:     requester.ID,
		DisplayName: name,
		Email:       requester.Email,
		Moderator:   res.Role == RoomModerator,
		TTL:         ttl,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("session_id", id.String()).
			Msg("capability token signing failed")
		return nil, fmt.Errorf("issue room token: %w", err)
	}

	res.RoomID = grant.RoomID
	res.MeetingURL = grant.MeetingURL
	res.Token = grant.Token
	res.ExpiresAt = &grant.ExpiresAt
	return res, nil
}

// join runs the gate against a fresh read and only grants when every write
// it makes is conditioned on that read still holding: the activation is a
// version compare-and-set and the presence insert requires the session to be
// active with the requester still a member. Either failing means the session
// changed underneath, so the gate runs again on the new state.
func (s *Service) join(ctx context.Context, id uuid.UUID, requester Actor) (*JoinResult, *Session, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		payment, err := s.paymentFor(ctx, cur, requester)
		if err != nil {
			return nil, nil, err
		}
		d := AuthorizeJoin(cur, requester, payment)
		if !d.Allowed {
			s.logger.Info().
				Str("session_id", id.String()).
				Str("user_id", requester.ID).
				Str("reason", string(d.Reason)).
				Msg("join denied")
			return &JoinResult{Reason: d.Reason, Status: cur.Status}, cur, nil
		}

		next, changed, err := Transition(cur, EventJoin, requester, s.now())
		if err != nil {
			return nil, nil, err
		}
		if changed {
			ok, err := s.commit(ctx, cur, next, EventJoin, requester)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				s.logger.Debug().
					Str("session_id", id.String()).
					Int("attempt", attempt+1).
					Msg("lost activation race, reloading")
				continue
			}
		}

		applied, err := s.sessions.AddPresence(ctx, id, requester.ID, requester.IsAdmin())
		if err != nil {
			return nil, nil, err
		}
		if !applied {
			s.logger.Debug().
				Str("session_id", id.String()).
				Str("user_id", requester.ID).
				Int("attempt", attempt+1).
				Msg("session changed before presence was recorded, re-evaluating")
			continue
		}
		if !slices.Contains(next.Present, requester.ID) {
			next.Present = append(next.Present, requester.ID)
			next.VersionID++
		}
		return &JoinResult{Allowed: true, Role: d.Role, Status: next.Status}, next, nil
	}
	return nil, nil, fmt.Errorf("session %s: status kept changing, gave up after %d attempts", id, maxCASAttempts)
}

// paymentFor reads the payment status only when the gate will consult it.
func (s *Service) paymentFor(ctx context.Context, sess *Session, requester Actor) (PaymentStatus, error) {
	if sess.Status.Terminal() || !sess.IsPayingParty(requester.ID) {
		return "", nil
	}
	st, err := s.payments.PaymentStatus(ctx, *sess.AppointmentID)
	if err != nil {
		return "", fmt.Errorf("read payment status: %w", err)
	}
	return st, nil
}

// Leave records that caller left the room. When nobody is left the session
// is completed.
func (s *Service) Leave(ctx context.Context, id uuid.UUID, caller Actor) (*Session, error) {
	cur, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.HasParticipant(caller.ID) && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: not a member of session %s", ErrNotAuthorized, id)
	}

	remaining, ok, err := s.sessions.RemovePresence(ctx, id, caller.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err = s.sessions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: leave on %s session", ErrInvalidStateTransition, cur.Status)
	}
	if remaining > 0 {
		return s.sessions.GetByID(ctx, id)
	}

	return s.endWhenEmpty(ctx, id)
}

// endWhenEmpty completes an active session whose presence list is empty.
// The end is written against the version that showed nobody present, so a
// join recorded in between keeps the session open.
func (s *Service) endWhenEmpty(ctx context.Context, id uuid.UUID) (*Session, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status != StatusActive || len(cur.Present) > 0 {
			return cur, nil
		}
		next, _, err := Transition(cur, EventEnd, SystemActor, s.now())
		if err != nil {
			return nil, err
		}
		ok, err := s.commit(ctx, cur, next, EventEnd, SystemActor)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("session %s: presence kept changing, gave up after %d attempts", id, maxCASAttempts)
}

// -- Reassignment --

func (s *Service) Reassign(ctx context.Context, id uuid.UUID, newClinicianID string, caller Actor) (*Session, error) {
	if newClinicianID == "" {
		return nil, invalid("clinician_id", "clinician_id is required")
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Kind != KindConsultation || cur.ClinicianID == nil {
			return nil, invalid("kind", "only consultations have a clinician to reassign")
		}
		if !canReassign(cur, caller) {
			return nil, fmt.Errorf("%w: only the clinician, the owning hospital or an administrator may reassign", ErrNotAuthorized)
		}
		if cur.Status != StatusScheduled {
			return nil, fmt.Errorf("%w: reassign on %s session", ErrInvalidStateTransition, cur.Status)
		}
		old := *cur.ClinicianID
		if old == newClinicianID {
			return cur, nil
		}
		if cur.PatientID != nil && *cur.PatientID == newClinicianID {
			return nil, invalid("clinician_id", "the patient cannot be the clinician")
		}

		found, err := s.directory.Lookup(ctx, []string{newClinicianID})
		if err != nil {
			return nil, fmt.Errorf("resolve clinician: %w", err)
		}
		ident, ok := found[newClinicianID]
		if !ok {
			return nil, fmt.Errorf("%w: [%s]", ErrParticipantsNotFound, newClinicianID)
		}
		if ident.Role != RoleDoctor {
			return nil, invalid("clinician_id", "%s is not a doctor", newClinicianID)
		}

		swapped, err := s.sessions.ReassignClinician(ctx, id, old, newClinicianID)
		if err != nil {
			return nil, err
		}
		if !swapped {
			s.logger.Debug().
				Str("session_id", id.String()).
				Int("attempt", attempt+1).
				Msg("lost reassignment race, reloading")
			continue
		}

		next := cur.Clone()
		next.ClinicianID = &newClinicianID
		for i, p := range next.Participants {
			if p == old {
				next.Participants[i] = newClinicianID
			}
		}
		next.VersionID = cur.VersionID + 1
		next.UpdatedAt = s.now()
		s.logger.Info().
			Str("session_id", id.String()).
			Str("from_clinician", old).
			Str("to_clinician", newClinicianID).
			Str("actor_id", caller.ID).
			Msg("clinician reassigned")
		s.publishStatus(ctx, next)
		return next, nil
	}
	return nil, fmt.Errorf("session %s: clinician kept changing, gave up after %d attempts", id, maxCASAttempts)
}

func canReassign(sess *Session, caller Actor) bool {
	if caller.IsAdmin() {
		return true
	}
	if sess.ClinicianID != nil && *sess.ClinicianID == caller.ID {
		return true
	}
	return caller.Role == RoleHospital && sess.OrganizationID != nil && *sess.OrganizationID == caller.ID
}

// -- Missed sweep --

// SweepMissed marks every scheduled session whose start passed more than
// grace ago as missed. It is driven by an external scheduler and returns
// how many sessions it transitioned. Sessions that changed state meanwhile
// are skipped.
func (s *Service) SweepMissed(ctx context.Context, grace time.Duration, limit int) (int, error) {
	if grace < 0 {
		return 0, invalid("grace", "grace period must not be negative")
	}
	if limit <= 0 {
		limit = 500
	}
	cutoff := s.now().Add(-grace)
	due, err := s.sessions.ListDueForMissed(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list due sessions: %w", err)
	}

	workers := sweepConcurrency
	if db.ConnFromContext(ctx) != nil {
		// A pinned tenant connection serves one query at a time.
		workers = 1
	}

	var missed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, sess := range due {
		id := sess.ID
		g.Go(func() error {
			_, changed, err := s.apply(gctx, id, EventMiss, SystemActor, nil)
			if errors.Is(err, ErrInvalidStateTransition) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("mark %s missed: %w", id, err)
			}
			if changed {
				missed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	n := int(missed.Load())
	s.logger.Info().
		Time("cutoff", cutoff).
		Int("due", len(due)).
		Int("missed", n).
		Msg("missed-session sweep finished")
	return n, err
}

// -- Events --

// SessionTopic is the websocket topic carrying status events of a session.
func SessionTopic(id uuid.UUID) string { return "sessions/" + id.String() }

type statusPayload struct {
	Status       Status   `json:"status"`
	VersionID    int      `json:"version_id"`
	Participants []string `json:"participants"`
}

func (s *Service) publishStatus(ctx context.Context, sess *Session) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(statusPayload{Status: sess.Status, VersionID: sess.VersionID, Participants: sess.Participants})
	if err != nil {
		return
	}
	err = s.events.Publish(ctx, websocket.Event{
		Type:         "session.status",
		Topic:        SessionTopic(sess.ID),
		ResourceType: "TeleconsultSession",
		ResourceID:   sess.ID.String(),
		Timestamp:    s.now(),
		Data:         data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("publish status event")
	}
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}
