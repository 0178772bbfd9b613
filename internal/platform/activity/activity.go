// Package activity keeps the per-doctor feed of who did what to the
// schedule. Entries are written in the same transaction as the change they
// describe.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
)

type Action string

const (
	BookingCreated     Action = "BOOKING_CREATED"
	BookingApproved    Action = "BOOKING_APPROVED"
	BookingRejected    Action = "BOOKING_REJECTED"
	BookingCancelled   Action = "BOOKING_CANCELLED"
	BookingRescheduled Action = "BOOKING_RESCHEDULED"
	ExamStarted        Action = "EXAM_STARTED"
	ExamCompleted      Action = "EXAM_COMPLETED"
	NoShow             Action = "NO_SHOW"
	WalkinAdded        Action = "WALKIN_ADDED"
	TimeOffCreated     Action = "TIME_OFF_CREATED"
	TimeOffCancelled   Action = "TIME_OFF_CANCELLED"
)

// Entry is one line of a doctor's activity feed. ActorID is nil for
// changes made by the system.
type Entry struct {
	ID          uuid.UUID  `json:"id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	ActorID     *uuid.UUID `json:"actor_id"`
	ActorRole   string     `json:"actor_role"`
	Action      Action     `json:"action_type"`
	TargetID    *uuid.UUID `json:"target_id"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RoleSystem marks entries without a human actor.
const RoleSystem = "SYSTEM"

// NewEntry fills the actor fields from a.
func NewEntry(a auth.Actor, doctorID uuid.UUID, action Action, target uuid.UUID, description string) *Entry {
	e := &Entry{
		DoctorID:    doctorID,
		ActorRole:   RoleSystem,
		Action:      action,
		Description: description,
	}
	if a.UserID != uuid.Nil {
		id := a.UserID
		e.ActorID = &id
		e.ActorRole = string(a.Role)
	}
	if target != uuid.Nil {
		e.TargetID = &target
	}
	return e
}

// Recorder is what writers need.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

type Store interface {
	Recorder
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Entry, int, error)
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

// conn joins the caller's transaction when there is one.
func (s *storePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *storePG) Record(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO activity_log (id, doctor_id, actor_id, actor_role, action_type, target_id, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.DoctorID, e.ActorID, e.ActorRole, string(e.Action), e.TargetID, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("activity: record %s: %w", e.Action, err)
	}
	return nil
}

func (s *storePG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	c := s.conn(ctx)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM activity_log WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, `
		SELECT id, doctor_id, actor_id, actor_role, action_type, target_id, description, created_at
		FROM activity_log WHERE doctor_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.DoctorID, &e.ActorID, &e.ActorRole, &e.Action, &e.TargetID,
			&e.Description, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
