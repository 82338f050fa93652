package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"monidesk/internal/metrics"
	"monidesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RunNotifier receives completed run summaries (dashboard feed).
type RunNotifier interface {
	NotifyRun(run *models.AutomationRuleRun)
}

// AutomationService evaluates rules against outbox events and executes their
// action sequences with saga-style rollback.
type AutomationService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	executors map[string]ActionExecutor
	notifier  RunNotifier
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, providers *ProviderRegistry) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if providers == nil {
		providers = NewProviderRegistry()
		providers.Register(NewLogProvider(logger))
	}
	executors := map[string]ActionExecutor{}
	for _, e := range []ActionExecutor{
		&SendMessageExecutor{db: db, providers: providers, logger: logger},
		&TagCustomerExecutor{db: db},
		&CreateTaskExecutor{db: db},
		&ApplyDiscountExecutor{db: db},
	} {
		executors[e.Type()] = e
	}
	return &AutomationService{db: db, logger: logger, executors: executors}
}

// SetRunNotifier attaches an optional run-completion listener.
func (s *AutomationService) SetRunNotifier(n RunNotifier) { s.notifier = n }

func mustJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}

func truncateMessage(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}

// fingerprintEntityKeys is the priority order for stable entity identifiers
// in the trigger payload.
var fingerprintEntityKeys = []string{
	"entity_id", "event_id", "id", "order_id", "invoice_id",
	"checkout_session_id", "customer_id", "variant_id", "sku",
}

// TriggerFingerprint derives the dedup key used for loop prevention: a
// stable entity id from the payload, else the event id, else a deterministic
// serialization of the full payload; prefixed with the event type and
// truncated to 160 characters. The truncation can collide for large similar
// payloads; it is an approximation, not a cryptographic guarantee.
func TriggerFingerprint(eventType string, eventID *uint, payload map[string]interface{}) string {
	var identity string
	for _, key := range fingerprintEntityKeys {
		if v, ok := payload[key]; ok && v != nil {
			if s := stringifyValue(v); s != "" {
				identity = s
				break
			}
		}
	}
	if identity == "" && eventID != nil {
		identity = fmt.Sprintf("%d", *eventID)
	}
	if identity == "" {
		b, err := json.Marshal(payload)
		if err != nil {
			identity = "empty"
		} else {
			identity = string(b)
		}
	}
	return truncateMessage(fmt.Sprintf("%s:%s", eventType, identity), 160)
}

// MatchesTriggerPattern matches a concrete event type against a rule's glob
// pattern: "*" matches everything, patterns without "*" match exactly, and
// "*" inside a pattern matches any substring.
func MatchesTriggerPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == eventType
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(eventType)
}

// ExecuteOptions describes one trigger handed to the orchestrator.
type ExecuteOptions struct {
	TriggerEventID   *uint
	TriggerEventType string
	Payload          map[string]interface{}
	DryRun           bool
}

type stepExecution struct {
	step         *models.AutomationRuleStep
	compensation *Compensation
}

// ExecuteRule runs the orchestration state machine for one (rule, trigger)
// pair. The returned bool is false when an existing run was replayed
// idempotently. Business failures never surface as errors; they end up as
// terminal run states.
func (s *AutomationService) ExecuteRule(ctx context.Context, rule *models.AutomationRule, opts ExecuteOptions) (*models.AutomationRuleRun, bool, error) {
	payload := opts.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	// Idempotency gate: at most one run per (rule, trigger event).
	if opts.TriggerEventID != nil {
		var existing models.AutomationRuleRun
		err := s.db.WithContext(ctx).
			Where("rule_id = ? AND trigger_event_id = ?", rule.ID, *opts.TriggerEventID).
			First(&existing).Error
		if err == nil {
			return &existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	fingerprint := TriggerFingerprint(opts.TriggerEventType, opts.TriggerEventID, payload)
	execContext := map[string]interface{}{
		"event": map[string]interface{}{
			"type": opts.TriggerEventType,
		},
		"payload":     payload,
		"rule":        map[string]interface{}{"id": float64(rule.ID), "name": rule.Name},
		"business_id": float64(rule.BusinessID),
		"actions":     map[string]interface{}{},
	}
	if opts.TriggerEventID != nil {
		execContext["event"].(map[string]interface{})["id"] = float64(*opts.TriggerEventID)
	}

	newRun := func(status, blockedReason string) *models.AutomationRuleRun {
		return &models.AutomationRuleRun{
			BusinessID:         rule.BusinessID,
			RuleID:             rule.ID,
			TriggerEventID:     opts.TriggerEventID,
			TriggerEventType:   opts.TriggerEventType,
			TriggerPayload:     mustJSON(payload),
			TriggerFingerprint: fingerprint,
			Status:             status,
			BlockedReason:      blockedReason,
			CreatedAt:          time.Now(),
		}
	}

	finish := func(run *models.AutomationRuleRun) (*models.AutomationRuleRun, bool, error) {
		if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
			return nil, false, err
		}
		metrics.IncRunOutcome(run.Status)
		s.notify(run)
		return run, true, nil
	}

	// Condition gate.
	var conditions []RuleCondition
	if len(rule.Conditions) > 0 {
		if err := json.Unmarshal(rule.Conditions, &conditions); err != nil {
			s.logger.Warnf("automation: rule %d has invalid conditions: %v", rule.ID, err)
			return finish(newRun(models.RunStatusSkipped, "Invalid conditions definition"))
		}
	}
	if passed, reason := EvaluateConditions(execContext, conditions); !passed {
		return finish(newRun(models.RunStatusSkipped, reason))
	}

	// Rate-limit gate: terminal consuming runs in the trailing hour.
	if rule.RunLimitPerHour > 0 {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.AutomationRuleRun{}).
			Where("rule_id = ? AND created_at > ? AND status IN ?",
				rule.ID, time.Now().Add(-time.Hour),
				[]string{models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusBlocked}).
			Count(&count).Error
		if err != nil {
			return nil, false, err
		}
		if count >= int64(rule.RunLimitPerHour) {
			return finish(newRun(models.RunStatusBlocked, "Rate limit reached"))
		}
	}

	// Loop-prevention gate: identical fingerprint within the cooldown window.
	if rule.ReentryCooldownSeconds > 0 {
		window := time.Now().Add(-time.Duration(rule.ReentryCooldownSeconds) * time.Second)
		var count int64
		err := s.db.WithContext(ctx).Model(&models.AutomationRuleRun{}).
			Where("rule_id = ? AND trigger_fingerprint = ? AND created_at > ? AND status <> ?",
				rule.ID, fingerprint, window, models.RunStatusPending).
			Count(&count).Error
		if err != nil {
			return nil, false, err
		}
		if count > 0 {
			return finish(newRun(models.RunStatusBlocked, "Loop prevention triggered"))
		}
	}

	// Empty-actions gate.
	var actions []RuleAction
	if len(rule.Actions) > 0 {
		if err := json.Unmarshal(rule.Actions, &actions); err != nil {
			s.logger.Warnf("automation: rule %d has invalid actions: %v", rule.ID, err)
			return finish(newRun(models.RunStatusSkipped, "Invalid actions definition"))
		}
	}
	if len(actions) == 0 {
		return finish(newRun(models.RunStatusSkipped, "No actions configured"))
	}

	// Execution: persist the pending run, then the steps in order.
	run := newRun(models.RunStatusPending, "")
	started := time.Now()
	run.StartedAt = &started
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, false, err
	}

	executed := make([]stepExecution, 0, len(actions))
	failed := false
	for i, action := range actions {
		step := &models.AutomationRuleStep{
			BusinessID: rule.BusinessID,
			RuleRunID:  run.ID,
			RuleID:     rule.ID,
			StepIndex:  i + 1,
			ActionType: action.Type,
			Status:     models.RunStatusPending,
			Input:      mustJSON(map[string]interface{}{"type": action.Type, "config": action.Config}),
			CreatedAt:  time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
			return nil, false, err
		}

		output, comp, execErr := s.executeAction(ctx, rule.BusinessID, run.ID, action, execContext, opts.DryRun)
		if execErr != nil {
			step.Status = models.StepStatusFailed
			step.ErrorMessage = truncateMessage(execErr.Error(), 255)
			run.ErrorMessage = step.ErrorMessage
			if err := s.db.WithContext(ctx).Save(step).Error; err != nil {
				return nil, false, err
			}
			executed = append(executed, stepExecution{step: step})
			failed = true
			break
		}

		step.Status = models.StepStatusSuccess
		if opts.DryRun {
			step.Status = models.StepStatusDryRun
		}
		step.Output = mustJSON(output)
		if err := s.db.WithContext(ctx).Save(step).Error; err != nil {
			return nil, false, err
		}
		executed = append(executed, stepExecution{step: step, compensation: comp})

		// Later actions may reference earlier outputs by type name; last
		// write wins per type.
		execContext["actions"].(map[string]interface{})[action.Type] = output
		execContext["last_action"] = output
	}

	// Compensation: reverse execution order. Rollback failures are recorded
	// on the step but never re-raised and never abort the remaining sequence.
	if failed && rule.RollbackOnFailure && !opts.DryRun {
		for i := len(executed) - 1; i >= 0; i-- {
			exec := executed[i]
			if exec.compensation == nil || exec.step.Status != models.StepStatusSuccess {
				continue
			}
			if err := s.applyCompensation(ctx, rule.BusinessID, exec.compensation); err != nil {
				s.logger.Warnf("automation: rollback of run %d step %d failed: %v", run.ID, exec.step.StepIndex, err)
				s.appendRollbackOutcome(ctx, exec.step, exec.compensation, "failed", err.Error())
				continue
			}
			exec.step.Status = models.StepStatusRolledBack
			s.appendRollbackOutcome(ctx, exec.step, exec.compensation, "success", "")
		}
	}

	// Finalization: rolled_back counts as succeeded for the counters.
	run.StepsTotal = len(executed)
	for _, exec := range executed {
		if exec.step.Status == models.StepStatusFailed {
			run.StepsFailed++
		} else {
			run.StepsSucceeded++
		}
	}
	run.Status = models.RunStatusSuccess
	if failed {
		run.Status = models.RunStatusFailed
	}
	completed := time.Now()
	run.CompletedAt = &completed
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return nil, false, err
	}
	metrics.IncRunOutcome(run.Status)
	s.notify(run)
	return run, true, nil
}

// executeAction dispatches to the executor for the action type. Unsupported
// types reaching execution despite upstream validation fail the step rather
// than propagating to the caller.
func (s *AutomationService) executeAction(ctx context.Context, businessID, runID uint, action RuleAction, execContext map[string]interface{}, dryRun bool) (map[string]interface{}, *Compensation, error) {
	executor, ok := s.executors[action.Type]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported action type: %s", action.Type)
	}
	return executor.Execute(ctx, &ActionRequest{
		BusinessID: businessID,
		RuleRunID:  runID,
		Config:     action.Config,
		Context:    execContext,
		DryRun:     dryRun,
	})
}

// applyCompensation interprets a persisted compensation record.
func (s *AutomationService) applyCompensation(ctx context.Context, businessID uint, comp *Compensation) error {
	switch comp.Kind {
	case CompensationDeleteTagLink:
		if err := s.db.WithContext(ctx).
			Where("business_id = ?", businessID).
			Delete(&models.CustomerTagLink{}, comp.TagLinkID).Error; err != nil {
			return err
		}
		if comp.TagID != 0 {
			// Remove the tag too when this action created it and nothing
			// else links to it anymore.
			var remaining int64
			if err := s.db.WithContext(ctx).Model(&models.CustomerTagLink{}).
				Where("tag_id = ?", comp.TagID).Count(&remaining).Error; err != nil {
				return err
			}
			if remaining == 0 {
				return s.db.WithContext(ctx).
					Where("business_id = ?", businessID).
					Delete(&models.CustomerTag{}, comp.TagID).Error
			}
		}
		return nil
	case CompensationDeleteTask:
		return s.db.WithContext(ctx).
			Where("business_id = ?", businessID).
			Delete(&models.AutomationTask{}, comp.TaskID).Error
	case CompensationDeactivateDiscount:
		return s.db.WithContext(ctx).Model(&models.AutomationDiscount{}).
			Where("id = ? AND business_id = ?", comp.DiscountID, businessID).
			Update("status", "inactive").Error
	default:
		return fmt.Errorf("unknown compensation kind: %s", comp.Kind)
	}
}

// appendRollbackOutcome mutates the step output in place with the rollback
// result so failed compensations stay inspectable.
func (s *AutomationService) appendRollbackOutcome(ctx context.Context, step *models.AutomationRuleStep, comp *Compensation, status, errMsg string) {
	output := map[string]interface{}{}
	if len(step.Output) > 0 {
		if err := json.Unmarshal(step.Output, &output); err != nil {
			output = map[string]interface{}{}
		}
	}
	rollback := map[string]interface{}{
		"status":       status,
		"compensation": comp,
	}
	if errMsg != "" {
		rollback["error"] = truncateMessage(errMsg, 255)
	}
	output["rollback"] = rollback
	step.Output = mustJSON(output)
	if err := s.db.WithContext(ctx).Save(step).Error; err != nil {
		s.logger.Warnf("automation: persist rollback outcome for step %d: %v", step.ID, err)
	}
}

func (s *AutomationService) notify(run *models.AutomationRuleRun) {
	if s.notifier != nil {
		s.notifier.NotifyRun(run)
	}
}
