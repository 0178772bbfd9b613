package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleDoctor    Role = "DOCTOR"
	RolePatient   Role = "PATIENT"
	RoleSecretary Role = "SECRETARY"
)

var validRoles = map[Role]bool{
	RoleDoctor: true, RolePatient: true, RoleSecretary: true,
}

func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, validRoles[r]
}

// Permission is a capability a doctor delegates to a secretary.
type Permission string

const (
	PermViewSchedule         Permission = "view_schedule"
	PermManageBookings       Permission = "manage_bookings"
	PermManageSchedule       Permission = "manage_schedule"
	PermPatientCheckin       Permission = "patient_checkin"
	PermAddWalkinPatient     Permission = "add_walkin_patient"
	PermManageTimeOff        Permission = "manage_time_off"
	PermEditDoctorProfile    Permission = "edit_doctor_profile"
	PermReceiveNotifications Permission = "receive_notifications"
)

var knownPermissions = map[Permission]bool{
	PermViewSchedule: true, PermManageBookings: true, PermManageSchedule: true,
	PermPatientCheckin: true, PermAddWalkinPatient: true, PermManageTimeOff: true,
	PermEditDoctorProfile: true, PermReceiveNotifications: true,
}

// ParsePermissions keeps the recognised entries of raw and drops the rest.
func ParsePermissions(raw []string) []Permission {
	out := make([]Permission, 0, len(raw))
	for _, p := range raw {
		perm := Permission(strings.ToLower(strings.TrimSpace(p)))
		if knownPermissions[perm] {
			out = append(out, perm)
		}
	}
	return out
}

// Actor is the authenticated caller. For doctors UserID is the doctor id.
// For secretaries DoctorID names the single doctor they work for.
type Actor struct {
	Role        Role         `json:"role"`
	UserID      uuid.UUID    `json:"user_id"`
	DoctorID    uuid.UUID    `json:"doctor_id,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

func (a Actor) Has(p Permission) bool {
	for _, have := range a.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleDoctor || a.Role == RoleSecretary
}

// CanActFor reports whether the actor may perform an action guarded by perm
// on doctorID's schedule. Doctors hold every permission on their own
// schedule; secretaries need the explicit grant.
func (a Actor) CanActFor(doctorID uuid.UUID, perm Permission) bool {
	switch a.Role {
	case RoleDoctor:
		return a.UserID == doctorID
	case RoleSecretary:
		return a.DoctorID == doctorID && a.Has(perm)
	}
	return false
}

const ActorKey contextKey = "actor"

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ActorKey).(Actor)
	return a, ok
}
