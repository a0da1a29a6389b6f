package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
	"order-processing/internal/util"
)

// NotificationStore is the persistence contract for notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, notification *models.Notification) error
	GetNotification(ctx context.Context, notificationID string) (*models.Notification, error)
	UpdateNotification(ctx context.Context, notification *models.Notification) error
	GetNotificationsByRecipient(ctx context.Context, recipientID string) ([]models.Notification, error)
	GetNotificationStats(ctx context.Context) (*models.NotificationStats, error)
}

// NotificationService persists notification records and simulates delivery
// through an external provider.
type NotificationService struct {
	store     NotificationStore
	publisher EventPublisher
	logger    *zap.Logger

	successRate float64
	randFloat   func() float64 // test seam
}

// NewNotificationService creates a new notification service
func NewNotificationService(store NotificationStore, publisher EventPublisher, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		successRate: 0.9,
		randFloat:   rand.Float64,
	}
}

// SendNotificationRequest carries the fields needed to send a notification.
type SendNotificationRequest struct {
	RecipientID string                 `json:"recipient_id"`
	Type        string                 `json:"type"`
	Template    string                 `json:"template"`
	Content     map[string]interface{} `json:"content"`
}

// SendNotification persists a pending notification, publishes the
// notification.sent intent and attempts delivery synchronously.
func (s *NotificationService) SendNotification(ctx context.Context, req SendNotificationRequest) (*models.Notification, error) {
	ctx, span := util.StartSpan(ctx, "NotificationService.SendNotification")
	defer span.End()

	if req.RecipientID == "" {
		return nil, fmt.Errorf("%w: recipient_id is required", domainerr.ErrValidation)
	}
	switch req.Type {
	case models.NotificationTypeEmail, models.NotificationTypeSMS, models.NotificationTypePush:
	default:
		return nil, fmt.Errorf("%w: unknown notification type %q", domainerr.ErrValidation, req.Type)
	}
	if req.Template == "" {
		return nil, fmt.Errorf("%w: template is required", domainerr.ErrValidation)
	}

	notification := &models.Notification{
		NotificationID: uuid.New().String(),
		RecipientID:    req.RecipientID,
		Type:           req.Type,
		Template:       req.Template,
		Content:        req.Content,
		Status:         models.NotificationStatusPending,
	}

	if err := s.store.CreateNotification(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	s.publisher.Publish(ctx, models.EventTypeNotificationSent, models.NotificationEventData{
		NotificationID: notification.NotificationID,
		RecipientID:    notification.RecipientID,
		Type:           notification.Type,
		Template:       notification.Template,
		Status:         notification.Status,
	})

	if err := s.ProcessNotification(ctx, notification); err != nil {
		return nil, err
	}

	return notification, nil
}

// ProcessNotification attempts delivery through the provider and records
// the outcome. The provider call is simulated.
func (s *NotificationService) ProcessNotification(ctx context.Context, notification *models.Notification) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.ProcessNotification")
	defer span.End()

	now := time.Now().UTC()

	if s.randFloat() < s.successRate {
		notification.Status = models.NotificationStatusSent
		notification.SentAt = &now
		notification.ErrorMessage = ""
		util.NotificationsSentTotal.Inc()

		s.logger.Info("Notification delivered",
			zap.String("notification_id", notification.NotificationID),
			zap.String("type", notification.Type))
	} else {
		notification.Status = models.NotificationStatusFailed
		notification.FailedAt = &now
		notification.Attempts++
		notification.ErrorMessage = "provider rejected delivery"
		util.NotificationsFailedTotal.Inc()

		s.logger.Warn("Notification delivery failed",
			zap.String("notification_id", notification.NotificationID),
			zap.Int("attempts", notification.Attempts))
	}

	if err := s.store.UpdateNotification(ctx, notification); err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	return nil
}

// RetryNotification reprocesses a failed notification. Retries are refused
// once the attempt cap is reached.
func (s *NotificationService) RetryNotification(ctx context.Context, notificationID string) (*models.Notification, error) {
	ctx, span := util.StartSpan(ctx, "NotificationService.RetryNotification")
	defer span.End()

	notification, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}

	if notification.Status != models.NotificationStatusFailed {
		return nil, fmt.Errorf("%w: status is %s", domainerr.ErrRetryNotAllowed, notification.Status)
	}
	if notification.Attempts >= models.MaxNotificationAttempts {
		return nil, fmt.Errorf("%w: %d attempts used", domainerr.ErrRetryNotAllowed, notification.Attempts)
	}

	notification.Status = models.NotificationStatusPending
	if err := s.store.UpdateNotification(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to reset notification: %w", err)
	}

	util.NotificationsRetriedTotal.Inc()

	if err := s.ProcessNotification(ctx, notification); err != nil {
		return nil, err
	}
	return notification, nil
}

// GetNotification retrieves a notification by ID
func (s *NotificationService) GetNotification(ctx context.Context, notificationID string) (*models.Notification, error) {
	return s.store.GetNotification(ctx, notificationID)
}

// GetNotificationsByRecipient retrieves a recipient's notifications.
func (s *NotificationService) GetNotificationsByRecipient(ctx context.Context, recipientID string) ([]models.Notification, error) {
	return s.store.GetNotificationsByRecipient(ctx, recipientID)
}

// GetStats aggregates notification counts by status.
func (s *NotificationService) GetStats(ctx context.Context) (*models.NotificationStats, error) {
	return s.store.GetNotificationStats(ctx)
}

// ProcessOrderEvent creates and delivers the customer notification for an
// order lifecycle event consumed from the broker.
func (s *NotificationService) ProcessOrderEvent(ctx context.Context, event *models.Event) error {
	data, err := event.DecodeOrderData()
	if err != nil {
		return fmt.Errorf("%w: %v", domainerr.ErrValidation, err)
	}

	var template string
	switch event.Type {
	case models.EventTypeOrderCreated:
		template = "order_confirmation"
	case models.EventTypeOrderCancelled:
		template = "order_cancelled"
	default:
		// Not a notification-worthy event; ack and move on.
		return nil
	}

	_, err = s.SendNotification(ctx, SendNotificationRequest{
		RecipientID: data.CustomerID,
		Type:        models.NotificationTypeEmail,
		Template:    template,
		Content: map[string]interface{}{
			"order_id": data.OrderID,
			"total":    data.Total,
			"status":   data.Status,
		},
	})
	return err
}
