package models

import (
	"time"

	"gorm.io/datatypes"
)

// Rule statuses.
const (
	RuleStatusActive   = "active"
	RuleStatusInactive = "inactive"
)

// Run statuses.
const (
	RunStatusPending = "pending"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusBlocked = "blocked"
	RunStatusSkipped = "skipped"
)

// Step statuses.
const (
	StepStatusSuccess    = "success"
	StepStatusFailed     = "failed"
	StepStatusRolledBack = "rolled_back"
	StepStatusDryRun     = "dry_run"
	StepStatusSkipped    = "skipped"
)

// AutomationRule is a tenant-scoped trigger → conditions → actions mapping.
type AutomationRule struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	BusinessID             uint           `gorm:"uniqueIndex:idx_rule_business_name;index;not null" json:"business_id"`
	Name                   string         `gorm:"uniqueIndex:idx_rule_business_name;not null" json:"name"`
	Status                 string         `gorm:"default:'active';index" json:"status"` // active, inactive
	TriggerSource          string         `gorm:"default:'outbox_event'" json:"trigger_source"`
	TriggerEventType       string         `gorm:"not null" json:"trigger_event_type"` // glob, e.g. invoice.* or *
	Conditions             datatypes.JSON `json:"conditions"`                         // JSON: [{field,operator,value,case_sensitive}]
	Actions                datatypes.JSON `json:"actions"`                            // JSON: [{type,config}]
	TemplateKey            *string        `gorm:"index" json:"template_key"`
	Version                int            `gorm:"default:1" json:"version"`
	RunLimitPerHour        int            `gorm:"default:60" json:"run_limit_per_hour"`
	ReentryCooldownSeconds int            `gorm:"default:0" json:"reentry_cooldown_seconds"`
	RollbackOnFailure      bool           `gorm:"default:false" json:"rollback_on_failure"`
	CreatedBy              uint           `json:"created_by"`
	UpdatedBy              uint           `json:"updated_by"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`

	Runs []AutomationRuleRun `gorm:"foreignKey:RuleID" json:"runs,omitempty"`
}

// AutomationRuleRun is one execution attempt of a rule against one event.
// The composite unique index backs the idempotency gate at the storage layer.
type AutomationRuleRun struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	BusinessID         uint           `gorm:"index;not null" json:"business_id"`
	RuleID             uint           `gorm:"uniqueIndex:idx_run_rule_event;index" json:"rule_id"`
	TriggerEventID     *uint          `gorm:"uniqueIndex:idx_run_rule_event" json:"trigger_event_id"` // null for dry-run/manual tests
	TriggerEventType   string         `json:"trigger_event_type"`
	TriggerPayload     datatypes.JSON `json:"trigger_payload"`
	TriggerFingerprint string         `gorm:"size:160;index" json:"trigger_fingerprint"`
	Status             string         `gorm:"index" json:"status"` // pending, success, failed, blocked, skipped
	BlockedReason      string         `json:"blocked_reason"`
	ErrorMessage       string         `gorm:"size:255" json:"error_message"`
	StepsTotal         int            `gorm:"default:0" json:"steps_total"`
	StepsSucceeded     int            `gorm:"default:0" json:"steps_succeeded"`
	StepsFailed        int            `gorm:"default:0" json:"steps_failed"`
	StartedAt          *time.Time     `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
	CreatedAt          time.Time      `json:"created_at"`

	Rule  AutomationRule       `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
	Steps []AutomationRuleStep `gorm:"foreignKey:RuleRunID" json:"steps,omitempty"`
}

// AutomationRuleStep is one executed action within a run, in order.
type AutomationRuleStep struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	BusinessID   uint           `gorm:"index;not null" json:"business_id"`
	RuleRunID    uint           `gorm:"index" json:"rule_run_id"`
	RuleID       uint           `gorm:"index" json:"rule_id"`
	StepIndex    int            `gorm:"not null" json:"step_index"` // 1-based
	ActionType   string         `gorm:"not null" json:"action_type"`
	Status       string         `gorm:"index" json:"status"` // success, failed, rolled_back, dry_run, skipped
	Input        datatypes.JSON `json:"input"`
	Output       datatypes.JSON `json:"output"` // rollback outcome appended under "rollback"
	ErrorMessage string         `gorm:"size:255" json:"error_message"`
	CreatedAt    time.Time      `json:"created_at"`

	Run AutomationRuleRun `gorm:"foreignKey:RuleRunID" json:"run,omitempty"`
}

// AutomationTask is created by the create_task action; hard-deleted on rollback.
type AutomationTask struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	BusinessID  uint       `gorm:"index;not null" json:"business_id"`
	RuleRunID   uint       `gorm:"index" json:"rule_run_id"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Status      string     `gorm:"default:'open'" json:"status"` // open, done, cancelled
	DueAt       *time.Time `json:"due_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AutomationDiscount is created by the apply_discount action; soft-reversed
// to inactive on rollback so the audit trail survives.
type AutomationDiscount struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	BusinessID uint       `gorm:"index;not null" json:"business_id"`
	RuleRunID  uint       `gorm:"index" json:"rule_run_id"`
	Code       string     `gorm:"index;not null" json:"code"`
	Kind       string     `gorm:"not null" json:"kind"` // percentage, fixed
	Value      float64    `gorm:"not null" json:"value"`
	CustomerID *uint      `gorm:"index" json:"customer_id"`
	Status     string     `gorm:"default:'active';index" json:"status"` // active, inactive
	ExpiresAt  *time.Time `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
