package teleconsult

import (
	"testing"

	"github.com/google/uuid"
)

// expectedJoin restates the gate's ordered checks: a closed session refuses
// everyone, then non-members other than admins, then an unpaid paying party.
// The clinician of a consultation or the creator of a meeting moderates.
func expectedJoin(s *Session, who Actor, payment PaymentStatus) Decision {
	switch s.Status {
	case StatusCompleted, StatusCancelled, StatusMissed:
		return Deny(DenySessionClosed)
	}
	member := false
	for _, p := range s.Participants {
		member = member || p == who.ID
	}
	if !member && who.Role != RoleAdmin {
		return Deny(DenyNotAParticipant)
	}
	if s.Kind == KindConsultation && who.ID == strVal(s.PatientID) && payment != PaymentPaid {
		return Deny(DenyPaymentRequired)
	}
	moderator := s.OwnerID
	if s.Kind == KindConsultation {
		moderator = strVal(s.ClinicianID)
	}
	if who.ID == moderator {
		return Allow(RoomModerator)
	}
	return Allow(RoomParticipant)
}

func TestAuthorizeJoin_Matrix(t *testing.T) {
	meeting := func(status Status) *Session {
		return &Session{
			ID:           uuid.New(),
			Kind:         KindMeeting,
			OwnerID:      "doc-1",
			Participants: []string{"doc-1", "pat-1"},
			RoleContext:  ContextCustom,
			Status:       status,
		}
	}
	kinds := map[Kind]func(Status) *Session{KindConsultation: sessionIn, KindMeeting: meeting}
	statuses := []Status{StatusScheduled, StatusActive, StatusCompleted, StatusCancelled, StatusMissed}
	payments := []PaymentStatus{PaymentPaid, PaymentUnpaid, ""}
	requesters := []Actor{
		{ID: "pat-1", Role: RolePatient},
		{ID: "doc-1", Role: RoleDoctor},
		{ID: "doc-9", Role: RoleDoctor},
		{ID: "pat-9", Role: RolePatient},
		testAdmin,
	}

	checked := 0
	for kind, build := range kinds {
		for _, status := range statuses {
			s := build(status)
			for _, who := range requesters {
				for _, payment := range payments {
					want := expectedJoin(s, who, payment)
					if got := AuthorizeJoin(s, who, payment); got != want {
						t.Errorf("%s/%s requester=%s payment=%q: got %+v, want %+v",
							kind, status, who.ID, payment, got, want)
					}
					checked++
				}
			}
		}
	}
	if checked != 2*5*5*3 {
		t.Fatalf("matrix incomplete: %d combinations", checked)
	}
}

func TestAuthorizeJoin_CheckOrder(t *testing.T) {
	outsider := Actor{ID: "doc-9", Role: RoleDoctor}
	patient := Actor{ID: "pat-1", Role: RolePatient}

	if got := AuthorizeJoin(sessionIn(StatusCancelled), outsider, PaymentUnpaid); got != Deny(DenySessionClosed) {
		t.Errorf("closed must win over membership and payment, got %+v", got)
	}
	if got := AuthorizeJoin(sessionIn(StatusScheduled), outsider, PaymentUnpaid); got != Deny(DenyNotAParticipant) {
		t.Errorf("membership must win over payment, got %+v", got)
	}
	if got := AuthorizeJoin(sessionIn(StatusActive), patient, ""); got != Deny(DenyPaymentRequired) {
		t.Errorf("unknown payment must gate the paying party, got %+v", got)
	}
	if got := AuthorizeJoin(sessionIn(StatusScheduled), Actor{ID: "doc-1"}, PaymentUnpaid); got != Allow(RoomModerator) {
		t.Errorf("clinician is never payment-gated, got %+v", got)
	}
}

func TestAuthorizeJoin_Meeting(t *testing.T) {
	s := &Session{
		ID:           uuid.New(),
		Kind:         KindMeeting,
		OwnerID:      "doc-1",
		Participants: []string{"doc-1", "doc-2", "hosp-1"},
		RoleContext:  ContextDoctorHospital,
		Status:       StatusScheduled,
	}

	if got := AuthorizeJoin(s, Actor{ID: "doc-1", Role: RoleDoctor}, ""); got != Allow(RoomModerator) {
		t.Errorf("creator: got %+v", got)
	}
	if got := AuthorizeJoin(s, Actor{ID: "hosp-1", Role: RoleHospital}, ""); got != Allow(RoomParticipant) {
		t.Errorf("member: got %+v", got)
	}
	// Meetings carry no payment gate.
	if got := AuthorizeJoin(s, Actor{ID: "doc-2", Role: RoleDoctor}, PaymentUnpaid); got != Allow(RoomParticipant) {
		t.Errorf("unpaid member: got %+v", got)
	}
	if got := AuthorizeJoin(s, Actor{ID: "pat-1", Role: RolePatient}, ""); got != Deny(DenyNotAParticipant) {
		t.Errorf("outsider: got %+v", got)
	}
}

func TestAuthorizeJoin_ReassignedClinicianIsModerator(t *testing.T) {
	s := sessionIn(StatusScheduled)
	s.ClinicianID = ptr("doc-2")
	s.Participants = []string{"pat-1", "doc-2"}

	if got := AuthorizeJoin(s, Actor{ID: "doc-1", Role: RoleDoctor}, ""); got != Deny(DenyNotAParticipant) {
		t.Errorf("previous clinician: got %+v", got)
	}
	if got := AuthorizeJoin(s, Actor{ID: "doc-2", Role: RoleDoctor}, ""); got != Allow(RoomModerator) {
		t.Errorf("new clinician: got %+v", got)
	}
}

func TestAuthorizeJoin_AtMostOneModerator(t *testing.T) {
	s := sessionIn(StatusActive)
	moderators := 0
	for _, id := range s.Participants {
		if AuthorizeJoin(s, Actor{ID: id}, PaymentPaid).Role == RoomModerator {
			moderators++
		}
	}
	if moderators != 1 {
		t.Errorf("expected exactly one moderator, got %d", moderators)
	}
}
