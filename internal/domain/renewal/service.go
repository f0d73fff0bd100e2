package renewal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/observability/metrics"
)

// Notifier delivers renewal reminders. A failed delivery leaves the
// stage unrecorded, so the next scan retries it.
type Notifier interface {
	SendRenewalReminder(ctx context.Context, r *Renewal, stageDays int) error
}

// Config holds renewal service settings.
type Config struct {
	// ReminderStages are the reminder lead times in days before expiry.
	// A renewal receives at most one reminder per stage.
	ReminderStages []int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{ReminderStages: []int{30, 14, 7}}
}

// Action summarizes what a scan did to one renewal.
type Action struct {
	RenewalID     string `json:"renewal_id"`
	MedicationID  string `json:"medication_id"`
	From          Status `json:"from,omitempty"`
	To            Status `json:"to"`
	ReminderStage int    `json:"reminder_stage,omitempty"`
}

// Service drives the renewal state machine.
type Service struct {
	store    Store
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a renewal service. notifier may be nil; reminders
// are then recorded as sent without external delivery.
func NewService(store Store, notifier Notifier, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if len(cfg.ReminderStages) == 0 {
		cfg.ReminderStages = DefaultConfig().ReminderStages
	}
	stages := append([]int(nil), cfg.ReminderStages...)
	sort.Sort(sort.Reverse(sort.IntSlice(stages)))
	cfg.ReminderStages = stages

	return &Service{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInput carries the fields of a new tracked renewal.
type CreateInput struct {
	PatientID    string    `json:"patient_id"`
	MedicationID string    `json:"medication_id"`
	PrescribedAt time.Time `json:"prescribed_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Actor        string    `json:"actor"`
}

// Create registers a prescription for renewal tracking in ACTIVE state.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Renewal, error) {
	if in.PatientID == "" || in.MedicationID == "" {
		return nil, fmt.Errorf("%w: patient_id and medication_id are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if in.PrescribedAt.IsZero() {
		in.PrescribedAt = now
	}
	if !in.ExpiresAt.After(in.PrescribedAt) {
		return nil, fmt.Errorf("%w: expires_at must be after prescribed_at", ErrInvalidInput)
	}

	r := &Renewal{
		ID:           uuid.New().String(),
		PatientID:    in.PatientID,
		MedicationID: in.MedicationID,
		PrescribedAt: in.PrescribedAt.UTC(),
		ExpiresAt:    in.ExpiresAt.UTC(),
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	entry := s.entry(r.ID, "", StatusActive, in.Actor, "renewal tracking created")

	if err := s.store.CreateRenewal(ctx, r, entry); err != nil {
		return nil, fmt.Errorf("create renewal: %w", err)
	}
	s.metrics.RenewalTransitions.WithLabelValues(string(StatusActive)).Inc()
	return r, nil
}

// Get returns a renewal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Renewal, error) {
	return s.store.GetRenewal(ctx, id)
}

// History returns a renewal's transition history, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]*HistoryEntry, error) {
	return s.store.ListHistory(ctx, id)
}

// ScanDueRenewals walks the open renewals as of the given time, moves
// newly due ones to REMINDER_DUE, and dispatches at most one reminder
// per renewal per scan. Stages are deduplicated on (renewal, stage), so
// re-running a scan the same day sends nothing new. Per-renewal errors
// are isolated: one broken record never stops the scan.
func (s *Service) ScanDueRenewals(ctx context.Context, asOf time.Time) ([]Action, error) {
	renewals, err := s.store.ListRenewalsByStatus(ctx, StatusActive, StatusReminderDue)
	if err != nil {
		return nil, fmt.Errorf("list renewals: %w", err)
	}

	var actions []Action
	var failed int
	for _, r := range renewals {
		act, err := s.scanOne(ctx, r, asOf)
		if err != nil {
			failed++
			s.logger.Error("renewal scan failed for record",
				zap.String("renewal_id", r.ID),
				zap.String("medication_id", r.MedicationID),
				zap.Error(err))
			continue
		}
		if act != nil {
			actions = append(actions, *act)
		}
	}

	s.logger.Info("renewal scan finished",
		zap.Int("scanned", len(renewals)),
		zap.Int("actions", len(actions)),
		zap.Int("failed", failed))
	return actions, nil
}

func (s *Service) scanOne(ctx context.Context, r *Renewal, asOf time.Time) (*Action, error) {
	days := daysUntil(asOf, r.ExpiresAt)
	if days < 0 {
		// Past expiry; ExpireOverdue owns that transition.
		return nil, nil
	}

	stage := s.dueStage(r, days)
	if stage == 0 {
		return nil, nil
	}

	act := &Action{RenewalID: r.ID, MedicationID: r.MedicationID, From: r.Status, To: r.Status}

	if r.Status == StatusActive {
		entry, err := s.transition(r, StatusReminderDue, "system:renewal-scan",
			fmt.Sprintf("expires in %d days", days))
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdateRenewal(ctx, r, entry); err != nil {
			return nil, fmt.Errorf("persist transition: %w", err)
		}
		s.metrics.RenewalTransitions.WithLabelValues(string(StatusReminderDue)).Inc()
		act.To = StatusReminderDue
	}

	if s.notifier != nil {
		if err := s.notifier.SendRenewalReminder(ctx, r, stage); err != nil {
			// Stage stays unrecorded; the next scan retries it.
			return act, fmt.Errorf("send reminder stage %d: %w", stage, err)
		}
	}

	r.RemindersSent = append(r.RemindersSent, stage)
	entry := s.entry(r.ID, r.Status, r.Status, "system:renewal-scan",
		fmt.Sprintf("reminder stage %d sent", stage))
	if err := s.store.UpdateRenewal(ctx, r, entry); err != nil {
		return act, fmt.Errorf("record reminder stage %d: %w", stage, err)
	}

	s.metrics.RemindersSent.Inc()
	act.ReminderStage = stage
	return act, nil
}

// dueStage picks the reminder stage to send now: the most urgent stage
// whose lead window covers daysToExpiry, skipping stages already sent
// and stages made obsolete by a more urgent one having gone out.
func (s *Service) dueStage(r *Renewal, daysToExpiry int) int {
	smallestSent := r.smallestSentStage()
	due := 0
	for _, stage := range s.cfg.ReminderStages { // descending
		if stage < daysToExpiry {
			continue
		}
		if r.ReminderSent(stage) {
			continue
		}
		if smallestSent != 0 && stage >= smallestSent {
			continue
		}
		due = stage
	}
	return due
}

// RequestRenewal records that a renewal request went out to the
// prescriber. Only REMINDER_DUE renewals can be requested.
func (s *Service) RequestRenewal(ctx context.Context, id, actor string) (*Renewal, error) {
	r, err := s.store.GetRenewal(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := s.transition(r, StatusRenewalRequested, actor, "renewal requested")
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateRenewal(ctx, r, entry); err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}
	s.metrics.RenewalTransitions.WithLabelValues(string(StatusRenewalRequested)).Inc()
	return r, nil
}

// Approve marks a requested renewal RENEWED and opens its successor
// ACTIVE renewal with the new expiry: the renewal loop.
func (s *Service) Approve(ctx context.Context, id string, newExpiry time.Time, actor string) (*Renewal, error) {
	r, err := s.store.GetRenewal(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !newExpiry.After(now) {
		return nil, fmt.Errorf("%w: new expiry must be in the future", ErrInvalidInput)
	}

	successor := &Renewal{
		ID:           uuid.New().String(),
		PatientID:    r.PatientID,
		MedicationID: r.MedicationID,
		PrescribedAt: now,
		ExpiresAt:    newExpiry.UTC(),
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	entry, err := s.transition(r, StatusRenewed, actor, "approved, successor "+successor.ID)
	if err != nil {
		return nil, err
	}
	r.RenewedAt = &now
	r.SuccessorID = successor.ID
	successorEntry := s.entry(successor.ID, "", StatusActive, actor, "created on renewal of "+r.ID)

	if err := s.store.ApproveRenewal(ctx, r, entry, successor, successorEntry); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}
	s.metrics.RenewalTransitions.WithLabelValues(string(StatusRenewed)).Inc()
	s.logger.Info("renewal approved",
		zap.String("renewal_id", r.ID),
		zap.String("successor_id", successor.ID),
		zap.Time("new_expiry", successor.ExpiresAt))
	return successor, nil
}

// Reject records a prescriber rejection. The renewal stays
// RENEWAL_REQUESTED and can be approved later or cancelled.
func (s *Service) Reject(ctx context.Context, id, reason, actor string) (*Renewal, error) {
	r, err := s.store.GetRenewal(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusRenewalRequested {
		return nil, &InvalidTransitionError{RenewalID: r.ID, From: r.Status, To: StatusRenewalRequested}
	}
	r.RejectionNote = reason
	r.UpdatedAt = s.now().UTC()
	entry := s.entry(r.ID, r.Status, r.Status, actor, "rejected: "+reason)
	if err := s.store.UpdateRenewal(ctx, r, entry); err != nil {
		return nil, fmt.Errorf("persist rejection: %w", err)
	}
	return r, nil
}

// Cancel moves any non-terminal renewal to CANCELLED.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*Renewal, error) {
	r, err := s.store.GetRenewal(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := s.transition(r, StatusCancelled, actor, "cancelled: "+reason)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateRenewal(ctx, r, entry); err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}
	s.metrics.RenewalTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	return r, nil
}

// ExpireOverdue moves renewals past their expiry with no renewal
// request in flight to EXPIRED.
func (s *Service) ExpireOverdue(ctx context.Context, asOf time.Time) ([]Action, error) {
	renewals, err := s.store.ListRenewalsByStatus(ctx, StatusActive, StatusReminderDue)
	if err != nil {
		return nil, fmt.Errorf("list renewals: %w", err)
	}

	var actions []Action
	for _, r := range renewals {
		if daysUntil(asOf, r.ExpiresAt) >= 0 {
			continue
		}
		from := r.Status
		entry, err := s.transition(r, StatusExpired, "system:renewal-scan", "expired without renewal")
		if err != nil {
			s.logger.Error("expire transition failed", zap.String("renewal_id", r.ID), zap.Error(err))
			continue
		}
		if err := s.store.UpdateRenewal(ctx, r, entry); err != nil {
			s.logger.Error("persist expiry failed", zap.String("renewal_id", r.ID), zap.Error(err))
			continue
		}
		s.metrics.RenewalTransitions.WithLabelValues(string(StatusExpired)).Inc()
		actions = append(actions, Action{
			RenewalID:    r.ID,
			MedicationID: r.MedicationID,
			From:         from,
			To:           StatusExpired,
		})
	}
	return actions, nil
}

// transition mutates r in memory after checking the transition table.
// The caller persists r together with the returned history entry.
func (s *Service) transition(r *Renewal, to Status, actor, note string) (*HistoryEntry, error) {
	if !CanTransition(r.Status, to) {
		return nil, &InvalidTransitionError{RenewalID: r.ID, From: r.Status, To: to}
	}
	entry := s.entry(r.ID, r.Status, to, actor, note)
	r.Status = to
	r.UpdatedAt = s.now().UTC()
	return entry, nil
}

func (s *Service) entry(renewalID string, from, to Status, actor, note string) *HistoryEntry {
	return &HistoryEntry{
		ID:        uuid.New().String(),
		RenewalID: renewalID,
		From:      from,
		To:        to,
		Actor:     actor,
		Note:      note,
		At:        s.now().UTC(),
	}
}

// daysUntil returns whole calendar days (UTC) from asOf to expiry;
// negative once expiry has passed.
func daysUntil(asOf, expiry time.Time) int {
	a := asOf.UTC()
	e := expiry.UTC()
	aDay := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	eDay := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	return int(eDay.Sub(aDay) / (24 * time.Hour))
}
