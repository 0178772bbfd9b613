package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/auth"
)

// Store persists notifications. It doubles as a Sink so the in-app inbox
// is just another delivery target.
type Store interface {
	Sink
	ListForRecipient(ctx context.Context, role auth.Role, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	MarkRead(ctx context.Context, id uuid.UUID, role auth.Role, recipientID uuid.UUID) (bool, error)
	// MarkAllRead reports how many unread notifications it marked.
	MarkAllRead(ctx context.Context, role auth.Role, recipientID uuid.UUID) (int, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

const notificationCols = `id, recipient_role, recipient_id, action_type, subject, message,
	related_object_id, is_read, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var role string
	err := row.Scan(&n.ID, &role, &n.RecipientID, &n.ActionType, &n.Subject, &n.Message,
		&n.RelatedObjectID, &n.IsRead, &n.CreatedAt)
	n.RecipientRole = auth.Role(role)
	return &n, err
}

// Deliver inserts n. Redelivery of the same id is a no-op.
func (s *storePG) Deliver(ctx context.Context, n *Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, recipient_role, recipient_id, action_type, subject, message,
			related_object_id, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, string(n.RecipientRole), n.RecipientID, string(n.ActionType), n.Subject, n.Message,
		n.RelatedObjectID, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *storePG) ListForRecipient(ctx context.Context, role auth.Role, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := ` WHERE recipient_role = $1 AND recipient_id = $2`
	if unreadOnly {
		where += ` AND NOT is_read`
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+where, string(role), recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+notificationCols+` FROM notifications`+where+
		` ORDER BY created_at DESC LIMIT $3 OFFSET $4`, string(role), recipientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (s *storePG) MarkRead(ctx context.Context, id uuid.UUID, role auth.Role, recipientID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND recipient_role = $2 AND recipient_id = $3`,
		id, string(role), recipientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *storePG) MarkAllRead(ctx context.Context, role auth.Role, recipientID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE recipient_role = $1 AND recipient_id = $2 AND NOT is_read`,
		string(role), recipientID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
