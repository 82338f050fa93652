package services

import (
	"context"
	"errors"
	"fmt"

	"monidesk/internal/models"

	"gorm.io/gorm"
)

// RuleTemplate is a pre-built rule definition. Template config paths are
// resolved at run time, not at install time.
type RuleTemplate struct {
	Key              string          `json:"key"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	TriggerEventType string          `json:"trigger_event_type"`
	Conditions       []RuleCondition `json:"conditions"`
	Actions          []RuleAction    `json:"actions"`
}

// ruleTemplateCatalog is the static template library; never mutated at
// runtime, install only copies a snapshot into a persisted rule.
var ruleTemplateCatalog = []RuleTemplate{
	{
		Key:              "abandoned_cart",
		Name:             "Abandoned cart recovery",
		Description:      "Message the customer with a discount when a checkout session is abandoned.",
		TriggerEventType: "checkout.abandoned",
		Conditions: []RuleCondition{
			{Field: "payload.customer_id", Operator: OpExists},
			{Field: "payload.cart_total", Operator: OpGt, Value: float64(0)},
		},
		Actions: []RuleAction{
			{Type: ActionApplyDiscount, Config: map[string]interface{}{
				"kind": "percentage", "value": float64(10), "prefix": "CART",
				"customer_id_from": "payload.customer_id", "expires_in_hours": float64(48),
			}},
			{Type: ActionSendMessage, Config: map[string]interface{}{
				"customer_id_from": "payload.customer_id",
				"content":          "You left items in your cart! Use code {{actions.apply_discount.code}} for 10% off.",
			}},
		},
	},
	{
		Key:              "overdue_invoice",
		Name:             "Overdue invoice follow-up",
		Description:      "Tag the customer, remind them, and open a collection task when an invoice goes overdue.",
		TriggerEventType: "invoice.overdue",
		Conditions: []RuleCondition{
			{Field: "payload.amount_due", Operator: OpGt, Value: float64(0)},
		},
		Actions: []RuleAction{
			{Type: ActionTagCustomer, Config: map[string]interface{}{
				"customer_id_from": "payload.customer_id", "tag_name": "overdue",
			}},
			{Type: ActionSendMessage, Config: map[string]interface{}{
				"customer_id_from": "payload.customer_id",
				"content":          "Invoice {{payload.invoice_number}} is overdue ({{payload.amount_due}} due). Please arrange payment.",
			}},
			{Type: ActionCreateTask, Config: map[string]interface{}{
				"title":        "Chase overdue invoice {{payload.invoice_number}}",
				"description":  "Customer {{payload.customer_id}} owes {{payload.amount_due}}.",
				"due_in_hours": float64(24),
			}},
		},
	},
	{
		Key:              "low_stock",
		Name:             "Low stock alert",
		Description:      "Open a restock task when a variant drops below its reorder point.",
		TriggerEventType: "inventory.low_stock",
		Conditions: []RuleCondition{
			{Field: "payload.quantity", Operator: OpLte, Value: float64(5)},
		},
		Actions: []RuleAction{
			{Type: ActionCreateTask, Config: map[string]interface{}{
				"title":        "Restock {{payload.sku}}",
				"description":  "Only {{payload.quantity}} left at {{payload.location_name}}.",
				"due_in_hours": float64(12),
			}},
		},
	},
}

// ListTemplates returns the template catalog.
func (s *AutomationService) ListTemplates() []RuleTemplate {
	out := make([]RuleTemplate, len(ruleTemplateCatalog))
	copy(out, ruleTemplateCatalog)
	return out
}

func findTemplate(key string) (*RuleTemplate, bool) {
	for i := range ruleTemplateCatalog {
		if ruleTemplateCatalog[i].Key == key {
			return &ruleTemplateCatalog[i], true
		}
	}
	return nil, false
}

// InstallTemplateRule upserts a rule from the template library: an existing
// rule with the same template key is overwritten in place with a version
// bump; otherwise a new rule is created with a collision-free name.
func (s *AutomationService) InstallTemplateRule(ctx context.Context, businessID uint, key string, actorID uint) (*models.AutomationRule, error) {
	tmpl, ok := findTemplate(key)
	if !ok {
		return nil, fmt.Errorf("unknown template: %s", key)
	}

	var existing models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND template_key = ?", businessID, key).
		First(&existing).Error
	if err == nil {
		existing.TriggerEventType = tmpl.TriggerEventType
		existing.Conditions = mustJSON(tmpl.Conditions)
		existing.Actions = mustJSON(tmpl.Actions)
		existing.Version++
		existing.UpdatedBy = actorID
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	name, err := s.uniqueRuleName(ctx, businessID, tmpl.Name)
	if err != nil {
		return nil, err
	}

	templateKey := key
	rule := &models.AutomationRule{
		BusinessID:       businessID,
		Name:             name,
		Status:           models.RuleStatusActive,
		TriggerSource:    "outbox_event",
		TriggerEventType: tmpl.TriggerEventType,
		Conditions:       mustJSON(tmpl.Conditions),
		Actions:          mustJSON(tmpl.Actions),
		TemplateKey:      &templateKey,
		Version:          1,
		RunLimitPerHour:  60,
		CreatedBy:        actorID,
		UpdatedBy:        actorID,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// uniqueRuleName appends " (2)", " (3)", … until the name is free within
// the business.
func (s *AutomationService) uniqueRuleName(ctx context.Context, businessID uint, base string) (string, error) {
	candidate := base
	for suffix := 2; ; suffix++ {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
			Where("business_id = ? AND name = ?", businessID, candidate).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)", base, suffix)
	}
}
