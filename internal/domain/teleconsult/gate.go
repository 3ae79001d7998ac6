package teleconsult

// Decision is the outcome of the join gate.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Role    RoomRole   `json:"role,omitempty"`
	Reason  DenyReason `json:"reason,omitempty"`
}

// Allow grants a join with the given room role.
func Allow(role RoomRole) Decision { return Decision{Allowed: true, Role: role} }

// Deny refuses a join.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// AuthorizeJoin decides whether requester may receive a token for s.
// payment is the appointment's current payment status; it is ignored for
// sessions without a payment gate. Checks short-circuit in order: closed
// session, membership, payment, role assignment.
func AuthorizeJoin(s *Session, requester Actor, payment PaymentStatus) Decision {
	if s.Status.Terminal() {
		return Deny(DenySessionClosed)
	}

	if !s.HasParticipant(requester.ID) && !requester.IsAdmin() {
		return Deny(DenyNotAParticipant)
	}

	if s.PaymentGated() && s.IsPayingParty(requester.ID) && payment != PaymentPaid {
		return Deny(DenyPaymentRequired)
	}

	if requester.ID == s.ModeratorID() {
		return Allow(RoomModerator)
	}
	return Allow(RoomParticipant)
}
