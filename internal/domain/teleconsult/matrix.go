package teleconsult

import "fmt"

// creationMatrix lists, per role context, the portal roles allowed to create
// a session. Administrators may create any session; custom is unrestricted.
var creationMatrix = map[RoleContext][]UserRole{
	ContextPatientDoctor:  {RolePatient, RoleDoctor},
	ContextDoctorHospital: {RoleDoctor, RoleHospital},
	ContextHospitalAdmin:  {RoleHospital},
	ContextDoctorDoctor:   {RoleDoctor},
	ContextCustom:         nil,
}

// ValidRoleContext reports whether rc is a known role context.
func ValidRoleContext(rc RoleContext) bool {
	_, ok := creationMatrix[rc]
	return ok
}

// CanCreate reports whether a creator with role may book under rc.
func CanCreate(rc RoleContext, role UserRole) bool {
	allowed, ok := creationMatrix[rc]
	if !ok {
		return false
	}
	if rc == ContextCustom || role == RoleAdmin {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func authorizeCreation(rc RoleContext, creator Actor) error {
	if CanCreate(rc, creator.Role) {
		return nil
	}
	return fmt.Errorf("%w: role %q may not create %q sessions", ErrNotAuthorized, creator.Role, rc)
}
