package services

import (
	"context"
	"encoding/json"
	"time"

	"monidesk/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultOutboxBatchSize = 50

// OutboxSummary aggregates one processing batch. TriggeredRuns counts only
// newly-created runs, not idempotent replays.
type OutboxSummary struct {
	ProcessedEvents int `json:"processed_events"`
	MatchedRules    int `json:"matched_rules"`
	TriggeredRuns   int `json:"triggered_runs"`
	SuccessfulRuns  int `json:"successful_runs"`
	FailedRuns      int `json:"failed_runs"`
	BlockedRuns     int `json:"blocked_runs"`
	SkippedRuns     int `json:"skipped_runs"`
}

// EnqueueOutboxEvent appends an integration event for later processing.
func (s *AutomationService) EnqueueOutboxEvent(ctx context.Context, businessID uint, eventType string, payload map[string]interface{}) (*models.OutboxEvent, error) {
	event := &models.OutboxEvent{
		BusinessID: businessID,
		EventType:  eventType,
		Payload:    mustJSON(payload),
		Status:     models.OutboxStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// SweepOutbox processes pending events for every business that has any.
// Used by the scheduled sweep; per-business failures are logged and the
// remaining businesses still get their turn.
func (s *AutomationService) SweepOutbox(ctx context.Context, limit int) {
	var businessIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ?", models.OutboxStatusPending).
		Distinct("business_id").
		Pluck("business_id", &businessIDs).Error; err != nil {
		s.logger.Errorf("automation: outbox sweep query: %v", err)
		return
	}
	for _, businessID := range businessIDs {
		summary, err := s.ProcessOutboxEvents(ctx, businessID, limit)
		if err != nil {
			s.logger.Errorf("automation: outbox sweep for business %d: %v", businessID, err)
			continue
		}
		if summary.ProcessedEvents > 0 {
			s.logger.WithFields(logrus.Fields{
				"business_id": businessID,
				"events":      summary.ProcessedEvents,
				"runs":        summary.TriggeredRuns,
			}).Info("automation: outbox sweep batch done")
		}
	}
}

// ProcessOutboxEvents pulls up to limit pending events (oldest first) for a
// business, matches them against all active rules by trigger pattern, and
// invokes the orchestrator per match. A single rule's failure never aborts
// the batch.
func (s *AutomationService) ProcessOutboxEvents(ctx context.Context, businessID uint, limit int) (*OutboxSummary, error) {
	if limit <= 0 {
		limit = defaultOutboxBatchSize
	}

	var events []models.OutboxEvent
	if err := s.db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessID, models.OutboxStatusPending).
		Order("id ASC").Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}

	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessID, models.RuleStatusActive).
		Find(&rules).Error; err != nil {
		return nil, err
	}

	summary := &OutboxSummary{}
	for i := range events {
		event := &events[i]

		var payload map[string]interface{}
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				s.logger.Warnf("automation: outbox event %d has invalid payload: %v", event.ID, err)
				payload = map[string]interface{}{}
			}
		}

		for j := range rules {
			rule := &rules[j]
			if !MatchesTriggerPattern(rule.TriggerEventType, event.EventType) {
				continue
			}
			summary.MatchedRules++

			eventID := event.ID
			run, created, err := s.ExecuteRule(ctx, rule, ExecuteOptions{
				TriggerEventID:   &eventID,
				TriggerEventType: event.EventType,
				Payload:          payload,
			})
			if err != nil {
				s.logger.Errorf("automation: rule %d on event %d: %v", rule.ID, event.ID, err)
				continue
			}
			if !created {
				continue
			}
			summary.TriggeredRuns++
			switch run.Status {
			case models.RunStatusSuccess:
				summary.SuccessfulRuns++
			case models.RunStatusFailed:
				summary.FailedRuns++
			case models.RunStatusBlocked:
				summary.BlockedRuns++
			case models.RunStatusSkipped:
				summary.SkippedRuns++
			}
		}

		now := time.Now()
		event.Status = models.OutboxStatusProcessed
		event.ProcessedAt = &now
		if err := s.db.WithContext(ctx).Save(event).Error; err != nil {
			return summary, err
		}
		summary.ProcessedEvents++
	}
	return summary, nil
}
