// Package notify delivers reminders and alert notifications to the
// surrounding application. Delivery is fire-and-forget from the
// engine's perspective; retry and fan-out guarantees belong to the
// downstream dispatcher consuming the streams.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/infrastructure/stream"
)

// Reminder template identifiers understood by the notification service.
const (
	TemplateRenewalReminder = "renewal_reminder"
	TemplateStockAlert      = "stock_alert"
)

// Dispatcher pushes reminders and alerts out of the engine. It is the
// union of the renewal service's and alert evaluator's notifier needs.
type Dispatcher interface {
	SendRenewalReminder(ctx context.Context, r *renewal.Renewal, stageDays int) error
	DispatchAlert(ctx context.Context, a *alert.Alert) error
}

// reminderPayload is the wire shape of a reminder event.
type reminderPayload struct {
	TemplateID   string    `json:"template_id"`
	RenewalID    string    `json:"renewal_id"`
	PatientID    string    `json:"patient_id"`
	MedicationID string    `json:"medication_id"`
	StageDays    int       `json:"stage_days"`
	ExpiresAt    time.Time `json:"expires_at"`
	SentAt       time.Time `json:"sent_at"`
}

// StreamDispatcher publishes reminders and alerts to their topics.
type StreamDispatcher struct {
	producer *stream.Producer
	logger   *zap.Logger
}

// NewStreamDispatcher creates a dispatcher over the event stream.
func NewStreamDispatcher(producer *stream.Producer, logger *zap.Logger) *StreamDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamDispatcher{producer: producer, logger: logger}
}

// SendRenewalReminder publishes one reminder stage for a renewal. The
// publish is asynchronous; a broker failure is logged by the producer
// and the engine moves on.
func (d *StreamDispatcher) SendRenewalReminder(ctx context.Context, r *renewal.Renewal, stageDays int) error {
	payload, err := json.Marshal(reminderPayload{
		TemplateID:   TemplateRenewalReminder,
		RenewalID:    r.ID,
		PatientID:    r.PatientID,
		MedicationID: r.MedicationID,
		StageDays:    stageDays,
		ExpiresAt:    r.ExpiresAt,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}

	d.producer.ProduceAsync(ctx, stream.TopicStockReminders, r.PatientID, payload, nil)
	d.logger.Debug("reminder dispatched",
		zap.String("renewal_id", r.ID),
		zap.String("patient_id", r.PatientID),
		zap.Int("stage_days", stageDays))
	return nil
}

// DispatchAlert publishes an alert state change.
func (d *StreamDispatcher) DispatchAlert(ctx context.Context, a *alert.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	d.producer.ProduceAsync(ctx, stream.TopicStockAlerts, a.MedicationID, payload, nil)
	d.logger.Debug("alert dispatched",
		zap.String("alert_id", a.ID),
		zap.String("medication_id", a.MedicationID),
		zap.String("status", string(a.Status)))
	return nil
}

// NopDispatcher drops everything. Used in tests and in deployments
// without a broker.
type NopDispatcher struct{}

// NewNopDispatcher creates a no-op dispatcher.
func NewNopDispatcher() *NopDispatcher { return &NopDispatcher{} }

func (*NopDispatcher) SendRenewalReminder(context.Context, *renewal.Renewal, int) error { return nil }

func (*NopDispatcher) DispatchAlert(context.Context, *alert.Alert) error { return nil }
