package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
)

type notificationRow struct {
	NotificationID string     `db:"notification_id"`
	RecipientID    string     `db:"recipient_id"`
	Type           string     `db:"type"`
	Template       string     `db:"template"`
	Content        []byte     `db:"content"`
	Status         string     `db:"status"`
	Attempts       int        `db:"attempts"`
	SentAt         *time.Time `db:"sent_at"`
	FailedAt       *time.Time `db:"failed_at"`
	ErrorMessage   string     `db:"error_message"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *notificationRow) toModel() (*models.Notification, error) {
	notification := &models.Notification{
		NotificationID: r.NotificationID,
		RecipientID:    r.RecipientID,
		Type:           r.Type,
		Template:       r.Template,
		Status:         r.Status,
		Attempts:       r.Attempts,
		SentAt:         r.SentAt,
		FailedAt:       r.FailedAt,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Content) > 0 {
		if err := json.Unmarshal(r.Content, &notification.Content); err != nil {
			return nil, fmt.Errorf("failed to decode notification content: %w", err)
		}
	}
	return notification, nil
}

// CreateNotification persists a new notification record.
func (s *Store) CreateNotification(ctx context.Context, notification *models.Notification) error {
	content, err := marshalMetadata(notification.Content)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (notification_id, recipient_id, type, template, content, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		notification.NotificationID, notification.RecipientID, notification.Type,
		notification.Template, content, notification.Status, notification.Attempts)
	return row.Scan(&notification.CreatedAt, &notification.UpdatedAt)
}

// GetNotification retrieves a notification by ID
func (s *Store) GetNotification(ctx context.Context, notificationID string) (*models.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM notifications WHERE notification_id = $1", notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrNotificationNotFound, notificationID)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateNotification persists delivery outcome fields.
func (s *Store) UpdateNotification(ctx context.Context, notification *models.Notification) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $1, attempts = $2, sent_at = $3, failed_at = $4, error_message = $5, updated_at = NOW()
		WHERE notification_id = $6`,
		notification.Status, notification.Attempts, notification.SentAt,
		notification.FailedAt, notification.ErrorMessage, notification.NotificationID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domainerr.ErrNotificationNotFound, notification.NotificationID)
	}
	return nil
}

// GetNotificationsByRecipient retrieves a recipient's notifications, newest first.
func (s *Store) GetNotificationsByRecipient(ctx context.Context, recipientID string) ([]models.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC", recipientID)
	if err != nil {
		return nil, err
	}

	notifications := make([]models.Notification, 0, len(rows))
	for i := range rows {
		notification, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, *notification)
	}
	return notifications, nil
}

// GetNotificationStats aggregates notification counts by status.
func (s *Store) GetNotificationStats(ctx context.Context) (*models.NotificationStats, error) {
	var stats models.NotificationStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM notifications`)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
