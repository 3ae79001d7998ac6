package teleconsult

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes ad-hoc meetings from appointment-linked consultations.
type Kind string

const (
	KindMeeting      Kind = "meeting"
	KindConsultation Kind = "consultation"
)

// RoleContext is the relationship a session is booked under. It governs who
// may create the session, not what role anyone gets in the room.
type RoleContext string

const (
	ContextPatientDoctor  RoleContext = "patient-doctor"
	ContextDoctorHospital RoleContext = "doctor-hospital"
	ContextHospitalAdmin  RoleContext = "hospital-admin"
	ContextDoctorDoctor   RoleContext = "doctor-doctor"
	ContextCustom         RoleContext = "custom"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusMissed    Status = "missed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusMissed
}

// UserRole is the portal role of an authenticated caller.
type UserRole string

const (
	RolePatient  UserRole = "patient"
	RoleDoctor   UserRole = "doctor"
	RoleHospital UserRole = "hospital"
	RoleAdmin    UserRole = "admin"
)

// RoomRole is the role a caller is granted inside the room.
type RoomRole string

const (
	RoomModerator   RoomRole = "moderator"
	RoomParticipant RoomRole = "participant"
)

// PaymentStatus is the external payment state of an appointment.
type PaymentStatus string

const (
	PaymentPaid   PaymentStatus = "paid"
	PaymentUnpaid PaymentStatus = "unpaid"
)

// Actor is the already-authenticated caller of an operation.
type Actor struct {
	ID    string   `json:"id"`
	Role  UserRole `json:"role"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
}

// IsAdmin reports whether the actor has platform administrator rights.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Identity is a user directory entry.
type Identity struct {
	ID          string   `json:"id"`
	Role        UserRole `json:"role"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
}

// Session maps to the teleconsult_session table.
type Session struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	RoomID          string      `db:"room_id" json:"room_id"`
	Kind            Kind        `db:"kind" json:"kind"`
	OwnerID         string      `db:"owner_id" json:"owner_id"`
	ClinicianID     *string     `db:"clinician_id" json:"clinician_id,omitempty"`
	PatientID       *string     `db:"patient_id" json:"patient_id,omitempty"`
	AppointmentID   *uuid.UUID  `db:"appointment_id" json:"appointment_id,omitempty"`
	OrganizationID  *string     `db:"organization_id" json:"organization_id,omitempty"`
	Participants    []string    `db:"participants" json:"participants"`
	Present         []string    `db:"present" json:"present"`
	RoleContext     RoleContext `db:"role_context" json:"role_context"`
	Status          Status      `db:"status" json:"status"`
	Title           *string     `db:"title" json:"title,omitempty"`
	ScheduledAt     *time.Time  `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt       *time.Time  `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
	DurationMinutes *int        `db:"duration_minutes" json:"duration_minutes,omitempty"`
	CancelReason    *string     `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CancelledBy     *string     `db:"cancelled_by" json:"cancelled_by,omitempty"`
	VersionID       int         `db:"version_id" json:"version_id"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// PaymentGated reports whether joins by the paying party depend on the
// appointment's payment status.
func (s *Session) PaymentGated() bool {
	return s.Kind == KindConsultation && s.AppointmentID != nil
}

// HasParticipant reports whether id is a member of the session.
func (s *Session) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// ModeratorID returns the identity granted moderator rights: the clinician
// of a consultation, otherwise the creator.
func (s *Session) ModeratorID() string {
	if s.Kind == KindConsultation && s.ClinicianID != nil {
		return *s.ClinicianID
	}
	return s.OwnerID
}

// IsPayingParty reports whether id is the participant a payment gate blocks.
func (s *Session) IsPayingParty(id string) bool {
	if !s.PaymentGated() || s.PatientID == nil {
		return false
	}
	return *s.PatientID == id && id != s.ModeratorID()
}

// Clone returns a deep copy so transitions never mutate a caller's value.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	cp.Present = append([]string(nil), s.Present...)
	cp.ClinicianID = clonePtr(s.ClinicianID)
	cp.PatientID = clonePtr(s.PatientID)
	cp.AppointmentID = clonePtr(s.AppointmentID)
	cp.OrganizationID = clonePtr(s.OrganizationID)
	cp.Title = clonePtr(s.Title)
	cp.ScheduledAt = clonePtr(s.ScheduledAt)
	cp.StartedAt = clonePtr(s.StartedAt)
	cp.EndedAt = clonePtr(s.EndedAt)
	cp.DurationMinutes = clonePtr(s.DurationMinutes)
	cp.CancelReason = clonePtr(s.CancelReason)
	cp.CancelledBy = clonePtr(s.CancelledBy)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ListFilter narrows listSessionsFor results.
type ListFilter struct {
	Status        Status
	Kind          Kind
	ScheduledFrom *time.Time
	ScheduledTo   *time.Time
	Limit         int
	Offset        int
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr[T any](v T) *T { return &v }
