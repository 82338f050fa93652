package services

import (
	"context"
	"errors"
	"fmt"

	"monidesk/internal/models"

	"gorm.io/gorm"
)

// AutomationRuleRequest 创建规则请求
type AutomationRuleRequest struct {
	Name                   string          `json:"name" binding:"required"`
	TriggerEventType       string          `json:"trigger_event_type" binding:"required"`
	Conditions             []RuleCondition `json:"conditions"`
	Actions                []RuleAction    `json:"actions"`
	RunLimitPerHour        *int            `json:"run_limit_per_hour"`
	ReentryCooldownSeconds *int            `json:"reentry_cooldown_seconds"`
	RollbackOnFailure      *bool           `json:"rollback_on_failure"`
	Status                 *string         `json:"status"`
	CreatedBy              uint            `json:"-"`
}

// AutomationRuleUpdateRequest 更新规则请求；语义字段变化会提升版本号
type AutomationRuleUpdateRequest struct {
	Name                   *string          `json:"name"`
	TriggerEventType       *string          `json:"trigger_event_type"`
	Conditions             *[]RuleCondition `json:"conditions"`
	Actions                *[]RuleAction    `json:"actions"`
	RunLimitPerHour        *int             `json:"run_limit_per_hour"`
	ReentryCooldownSeconds *int             `json:"reentry_cooldown_seconds"`
	RollbackOnFailure      *bool            `json:"rollback_on_failure"`
	Status                 *string          `json:"status"`
	UpdatedBy              uint             `json:"-"`
}

// AutomationRuleListRequest 规则列表请求
type AutomationRuleListRequest struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
}

func validateRuleDefinition(conditions []RuleCondition, actions []RuleAction) error {
	for _, cond := range conditions {
		if cond.Field == "" {
			return errors.New("condition field is required")
		}
		if cond.Operator != "" && !IsSupportedOperator(cond.Operator) {
			return fmt.Errorf("unsupported operator: %s", cond.Operator)
		}
	}
	for _, action := range actions {
		if !IsSupportedActionType(action.Type) {
			return fmt.Errorf("unsupported action type: %s", action.Type)
		}
	}
	return nil
}

// CreateRule validates and persists a new rule for the business.
func (s *AutomationService) CreateRule(ctx context.Context, businessID uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	if err := validateRuleDefinition(req.Conditions, req.Actions); err != nil {
		return nil, err
	}

	var existing models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND name = ?", businessID, req.Name).
		First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("rule name already exists: %s", req.Name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	rule := &models.AutomationRule{
		BusinessID:       businessID,
		Name:             req.Name,
		Status:           models.RuleStatusActive,
		TriggerSource:    "outbox_event",
		TriggerEventType: req.TriggerEventType,
		Conditions:       mustJSON(req.Conditions),
		Actions:          mustJSON(req.Actions),
		Version:          1,
		RunLimitPerHour:  60,
		CreatedBy:        req.CreatedBy,
		UpdatedBy:        req.CreatedBy,
	}
	if req.Status != nil {
		rule.Status = *req.Status
	}
	if req.RunLimitPerHour != nil {
		rule.RunLimitPerHour = *req.RunLimitPerHour
	}
	if req.ReentryCooldownSeconds != nil {
		rule.ReentryCooldownSeconds = *req.ReentryCooldownSeconds
	}
	if req.RollbackOnFailure != nil {
		rule.RollbackOnFailure = *req.RollbackOnFailure
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule applies partial updates; any semantic change bumps the version.
func (s *AutomationService) UpdateRule(ctx context.Context, businessID, id uint, req *AutomationRuleUpdateRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, errors.New("request required")
	}

	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).Where("business_id = ?", businessID).First(&rule, id).Error; err != nil {
		return nil, err
	}

	semanticChange := false
	if req.Name != nil && *req.Name != rule.Name {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
			Where("business_id = ? AND name = ? AND id <> ?", businessID, *req.Name, rule.ID).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, fmt.Errorf("rule name already exists: %s", *req.Name)
		}
		rule.Name = *req.Name
	}
	if req.TriggerEventType != nil && *req.TriggerEventType != rule.TriggerEventType {
		rule.TriggerEventType = *req.TriggerEventType
		semanticChange = true
	}
	if req.Conditions != nil {
		if err := validateRuleDefinition(*req.Conditions, nil); err != nil {
			return nil, err
		}
		rule.Conditions = mustJSON(*req.Conditions)
		semanticChange = true
	}
	if req.Actions != nil {
		if err := validateRuleDefinition(nil, *req.Actions); err != nil {
			return nil, err
		}
		rule.Actions = mustJSON(*req.Actions)
		semanticChange = true
	}
	if req.RunLimitPerHour != nil {
		rule.RunLimitPerHour = *req.RunLimitPerHour
	}
	if req.ReentryCooldownSeconds != nil {
		rule.ReentryCooldownSeconds = *req.ReentryCooldownSeconds
	}
	if req.RollbackOnFailure != nil {
		rule.RollbackOnFailure = *req.RollbackOnFailure
	}
	if req.Status != nil {
		rule.Status = *req.Status
	}
	if semanticChange {
		rule.Version++
	}
	rule.UpdatedBy = req.UpdatedBy

	if err := s.db.WithContext(ctx).Save(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns the business's rules, newest first.
func (s *AutomationService) ListRules(ctx context.Context, businessID uint, req *AutomationRuleListRequest) ([]models.AutomationRule, int64, error) {
	if req == nil {
		req = &AutomationRuleListRequest{}
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("business_id = ?", businessID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rules []models.AutomationRule
	if err := query.Order("id DESC").
		Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize).
		Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// GetRule loads a single rule, business-scoped.
func (s *AutomationService) GetRule(ctx context.Context, businessID, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).Where("business_id = ?", businessID).First(&rule, id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// SetRuleStatus activates or deactivates a rule. Rules are never hard-deleted.
func (s *AutomationService) SetRuleStatus(ctx context.Context, businessID, id uint, status string) (*models.AutomationRule, error) {
	if status != models.RuleStatusActive && status != models.RuleStatusInactive {
		return nil, fmt.Errorf("invalid rule status: %s", status)
	}
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).Where("business_id = ?", businessID).First(&rule, id).Error; err != nil {
		return nil, err
	}
	rule.Status = status
	if err := s.db.WithContext(ctx).Save(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRuns returns run history for a rule with steps preloaded, newest first.
func (s *AutomationService) ListRuns(ctx context.Context, businessID, ruleID uint, page, pageSize int) ([]models.AutomationRuleRun, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.AutomationRuleRun{}).
		Where("business_id = ? AND rule_id = ?", businessID, ruleID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []models.AutomationRuleRun
	if err := query.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_index ASC") }).
		Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&runs).Error; err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// TestRule dry-runs a rule against a synthetic payload: conditions and
// gates apply, steps are recorded as dry_run, providers are not invoked and
// no side-effect rows are written.
func (s *AutomationService) TestRule(ctx context.Context, businessID, ruleID uint, eventType string, payload map[string]interface{}) (*models.AutomationRuleRun, error) {
	rule, err := s.GetRule(ctx, businessID, ruleID)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		eventType = rule.TriggerEventType
	}
	run, _, err := s.ExecuteRule(ctx, rule, ExecuteOptions{
		TriggerEventType: eventType,
		Payload:          payload,
		DryRun:           true,
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}
