package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"monidesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Action types form a closed set; adding a kind means adding one executor.
const (
	ActionSendMessage   = "send_message"
	ActionTagCustomer   = "tag_customer"
	ActionCreateTask    = "create_task"
	ActionApplyDiscount = "apply_discount"
)

// RuleAction describes one step in a rule's action list.
type RuleAction struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// IsSupportedActionType reports whether t belongs to the closed action set.
func IsSupportedActionType(t string) bool {
	switch t {
	case ActionSendMessage, ActionTagCustomer, ActionCreateTask, ActionApplyDiscount:
		return true
	}
	return false
}

// Compensation kinds.
const (
	CompensationDeleteTagLink      = "delete_tag_link"
	CompensationDeleteTask         = "delete_task"
	CompensationDeactivateDiscount = "deactivate_discount"
)

// Compensation is a data record carrying just the identifiers needed to
// reverse an action. It is persisted in the step output for inspection and
// interpreted by the reversal dispatcher; no closures cross the rollback
// boundary.
type Compensation struct {
	Kind       string `json:"kind"`
	TagLinkID  uint   `json:"tag_link_id,omitempty"`
	TagID      uint   `json:"tag_id,omitempty"` // non-zero only when the tag itself was created by the action
	TaskID     uint   `json:"task_id,omitempty"`
	DiscountID uint   `json:"discount_id,omitempty"`
}

// ActionRequest bundles everything an executor needs for one step.
type ActionRequest struct {
	BusinessID uint
	RuleRunID  uint
	Config     map[string]interface{}
	Context    map[string]interface{}
	DryRun     bool
}

// ActionExecutor runs one action kind. It returns a result payload and an
// optional compensation record. Errors are descriptive and caught by the
// orchestrator; they become the failing step's error message.
type ActionExecutor interface {
	Type() string
	Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, *Compensation, error)
}

// config accessors; JSON numbers arrive as float64.

func configString(cfg map[string]interface{}, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func configFloat(cfg map[string]interface{}, key string) (float64, bool) {
	return toFloat(cfg[key])
}

func configUint(cfg map[string]interface{}, key string) (uint, bool) {
	f, ok := toFloat(cfg[key])
	if !ok || f < 0 {
		return 0, false
	}
	return uint(f), true
}

// resolveCustomerID resolves a target customer from an explicit customer_id
// or a customer_id_from context path.
func resolveCustomerID(cfg, context map[string]interface{}) (uint, error) {
	if id, ok := configUint(cfg, "customer_id"); ok && id != 0 {
		return id, nil
	}
	if path := configString(cfg, "customer_id_from"); path != "" {
		if f, ok := toFloat(ResolvePath(context, path)); ok && f > 0 {
			return uint(f), nil
		}
		return 0, fmt.Errorf("customer_id_from path %q did not resolve to a customer id", path)
	}
	return 0, errors.New("customer_id or customer_id_from is required")
}

// SendMessageExecutor delivers a templated message through a provider.
type SendMessageExecutor struct {
	db        *gorm.DB
	providers *ProviderRegistry
	logger    *logrus.Logger
}

func (e *SendMessageExecutor) Type() string { return ActionSendMessage }

func (e *SendMessageExecutor) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, *Compensation, error) {
	providerName := configString(req.Config, "provider")
	if providerName == "" {
		providerName = "log"
	}

	recipient, err := e.resolveRecipient(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	content := RenderTemplate(configString(req.Config, "content"), req.Context)
	if content == "" {
		return nil, nil, errors.New("send_message: content is required")
	}

	// WhatsApp-family channels need a connected app installation.
	if IsWhatsAppProvider(providerName) {
		var install models.AppInstallation
		err := e.db.WithContext(ctx).
			Where("business_id = ? AND app_key = ? AND status = ?", req.BusinessID, providerName, models.AppStatusConnected).
			First(&install).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("send_message: provider %s is not connected", providerName)
		} else if err != nil {
			return nil, nil, err
		}
	}

	if req.DryRun {
		return map[string]interface{}{
			"dry_run":   true,
			"provider":  providerName,
			"recipient": recipient,
			"preview":   content,
		}, nil, nil
	}

	provider, ok := e.providers.Get(providerName)
	if !ok {
		return nil, nil, fmt.Errorf("send_message: unknown provider %s", providerName)
	}

	result, err := provider.Send(ctx, req.BusinessID, recipient, content)
	if err != nil {
		return nil, nil, fmt.Errorf("send_message: %w", err)
	}

	msg := &models.OutboundMessage{
		BusinessID: req.BusinessID,
		RuleRunID:  req.RuleRunID,
		Provider:   result.Provider,
		Recipient:  recipient,
		Content:    content,
		Status:     result.Status,
		ProviderID: result.MessageID,
		CreatedAt:  time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, nil, err
	}

	// Queue an integration event for downstream audit/webhook fan-out.
	event := &models.OutboxEvent{
		BusinessID: req.BusinessID,
		EventType:  "message.queued",
		Payload:    mustJSON(map[string]interface{}{"message_id": msg.ID, "recipient": recipient, "provider": result.Provider}),
		Status:     models.OutboxStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(event).Error; err != nil {
		e.logger.Warnf("send_message: queue outbox event: %v", err)
	}

	// Messages cannot be unsent, so there is no compensation.
	return map[string]interface{}{
		"provider":   result.Provider,
		"status":     result.Status,
		"message_id": result.MessageID,
		"recipient":  recipient,
	}, nil, nil
}

func (e *SendMessageExecutor) resolveRecipient(ctx context.Context, req *ActionRequest) (string, error) {
	if r := configString(req.Config, "recipient"); r != "" {
		return r, nil
	}
	if path := configString(req.Config, "recipient_from"); path != "" {
		if r, ok := ResolvePath(req.Context, path).(string); ok && r != "" {
			return r, nil
		}
		return "", fmt.Errorf("send_message: recipient_from path %q did not resolve", path)
	}
	if path := configString(req.Config, "customer_id_from"); path != "" {
		f, ok := toFloat(ResolvePath(req.Context, path))
		if !ok || f <= 0 {
			return "", fmt.Errorf("send_message: customer_id_from path %q did not resolve", path)
		}
		var customer models.Customer
		err := e.db.WithContext(ctx).
			Where("business_id = ?", req.BusinessID).
			First(&customer, uint(f)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("send_message: customer %d not found", uint(f))
		} else if err != nil {
			return "", err
		}
		if customer.Phone != "" {
			return customer.Phone, nil
		}
		if customer.Email != "" {
			return customer.Email, nil
		}
		return "", fmt.Errorf("send_message: customer %d has no phone or email", customer.ID)
	}
	return "", errors.New("send_message: recipient, recipient_from or customer_id_from is required")
}

// TagCustomerExecutor attaches a tag to a customer, creating the tag by name
// when necessary.
type TagCustomerExecutor struct {
	db *gorm.DB
}

func (e *TagCustomerExecutor) Type() string { return ActionTagCustomer }

func (e *TagCustomerExecutor) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, *Compensation, error) {
	customerID, err := resolveCustomerID(req.Config, req.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("tag_customer: %w", err)
	}

	var customer models.Customer
	err = e.db.WithContext(ctx).Where("business_id = ?", req.BusinessID).First(&customer, customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("tag_customer: customer %d not found", customerID)
	} else if err != nil {
		return nil, nil, err
	}

	tag, tagExists, err := e.findTag(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	linkExists := false
	if tagExists {
		var count int64
		if err := e.db.WithContext(ctx).Model(&models.CustomerTagLink{}).
			Where("business_id = ? AND customer_id = ? AND tag_id = ?", req.BusinessID, customer.ID, tag.ID).
			Count(&count).Error; err != nil {
			return nil, nil, err
		}
		linkExists = count > 0
	}

	if req.DryRun {
		return map[string]interface{}{
			"dry_run":           true,
			"customer_id":       customer.ID,
			"tag_name":          tag.Name,
			"would_create_tag":  !tagExists,
			"would_create_link": !linkExists,
		}, nil, nil
	}

	tagCreated := false
	if !tagExists {
		tag.BusinessID = req.BusinessID
		tag.CreatedAt = time.Now()
		if err := e.db.WithContext(ctx).Create(tag).Error; err != nil {
			return nil, nil, err
		}
		tagCreated = true
	}

	output := map[string]interface{}{
		"customer_id":  customer.ID,
		"tag_id":       tag.ID,
		"tag_name":     tag.Name,
		"tag_created":  tagCreated,
		"link_created": false,
	}

	if linkExists {
		return output, nil, nil
	}

	link := &models.CustomerTagLink{
		BusinessID: req.BusinessID,
		CustomerID: customer.ID,
		TagID:      tag.ID,
		CreatedAt:  time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(link).Error; err != nil {
		return nil, nil, err
	}
	output["link_created"] = true

	comp := &Compensation{Kind: CompensationDeleteTagLink, TagLinkID: link.ID}
	if tagCreated {
		comp.TagID = tag.ID
	}
	return output, comp, nil
}

// findTag resolves the target tag by id or case-insensitive name. The
// returned tag is unsaved when it does not exist yet.
func (e *TagCustomerExecutor) findTag(ctx context.Context, req *ActionRequest) (*models.CustomerTag, bool, error) {
	if tagID, ok := configUint(req.Config, "tag_id"); ok && tagID != 0 {
		var tag models.CustomerTag
		err := e.db.WithContext(ctx).Where("business_id = ?", req.BusinessID).First(&tag, tagID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("tag_customer: tag %d not found", tagID)
		} else if err != nil {
			return nil, false, err
		}
		return &tag, true, nil
	}

	name := strings.TrimSpace(configString(req.Config, "tag_name"))
	if name == "" {
		return nil, false, errors.New("tag_customer: tag_id or tag_name is required")
	}

	var tag models.CustomerTag
	err := e.db.WithContext(ctx).
		Where("business_id = ? AND LOWER(name) = LOWER(?)", req.BusinessID, name).
		First(&tag).Error
	if err == nil {
		return &tag, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return &models.CustomerTag{Name: name}, false, nil
}

// CreateTaskExecutor records a follow-up task for operators.
type CreateTaskExecutor struct {
	db *gorm.DB
}

func (e *CreateTaskExecutor) Type() string { return ActionCreateTask }

func (e *CreateTaskExecutor) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, *Compensation, error) {
	title := strings.TrimSpace(RenderTemplate(configString(req.Config, "title"), req.Context))
	if title == "" {
		return nil, nil, errors.New("create_task: title is required")
	}
	description := RenderTemplate(configString(req.Config, "description"), req.Context)

	var dueAt *time.Time
	if hours, ok := configFloat(req.Config, "due_in_hours"); ok && hours > 0 {
		t := time.Now().Add(time.Duration(hours * float64(time.Hour)))
		dueAt = &t
	}

	if req.DryRun {
		out := map[string]interface{}{
			"dry_run":     true,
			"title":       title,
			"description": description,
		}
		if dueAt != nil {
			out["due_at"] = dueAt.Format(time.RFC3339)
		}
		return out, nil, nil
	}

	task := &models.AutomationTask{
		BusinessID:  req.BusinessID,
		RuleRunID:   req.RuleRunID,
		Title:       title,
		Description: description,
		Status:      "open",
		DueAt:       dueAt,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, nil, err
	}

	out := map[string]interface{}{
		"task_id": task.ID,
		"title":   title,
		"status":  task.Status,
	}
	if dueAt != nil {
		out["due_at"] = dueAt.Format(time.RFC3339)
	}
	return out, &Compensation{Kind: CompensationDeleteTask, TaskID: task.ID}, nil
}

// ApplyDiscountExecutor creates an active discount code.
type ApplyDiscountExecutor struct {
	db *gorm.DB
}

func (e *ApplyDiscountExecutor) Type() string { return ActionApplyDiscount }

func (e *ApplyDiscountExecutor) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, *Compensation, error) {
	kind := configString(req.Config, "kind")
	if kind != "percentage" && kind != "fixed" {
		return nil, nil, fmt.Errorf("apply_discount: kind must be percentage or fixed, got %q", kind)
	}
	value, ok := configFloat(req.Config, "value")
	if !ok || value <= 0 {
		return nil, nil, errors.New("apply_discount: value must be greater than zero")
	}
	if kind == "percentage" && value > 100 {
		return nil, nil, errors.New("apply_discount: percentage value cannot exceed 100")
	}

	var customerID *uint
	if _, has := req.Config["customer_id"]; has {
		id, err := resolveCustomerID(req.Config, req.Context)
		if err != nil {
			return nil, nil, fmt.Errorf("apply_discount: %w", err)
		}
		customerID = &id
	} else if configString(req.Config, "customer_id_from") != "" {
		id, err := resolveCustomerID(req.Config, req.Context)
		if err != nil {
			return nil, nil, fmt.Errorf("apply_discount: %w", err)
		}
		customerID = &id
	}
	if customerID != nil {
		var customer models.Customer
		err := e.db.WithContext(ctx).Where("business_id = ?", req.BusinessID).First(&customer, *customerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("apply_discount: customer %d not found", *customerID)
		} else if err != nil {
			return nil, nil, err
		}
	}

	code := strings.TrimSpace(configString(req.Config, "code"))
	if code == "" {
		var err error
		code, err = e.generateCode(ctx, req.BusinessID, configString(req.Config, "prefix"))
		if err != nil {
			return nil, nil, err
		}
	}

	var expiresAt *time.Time
	if hours, ok := configFloat(req.Config, "expires_in_hours"); ok && hours > 0 {
		t := time.Now().Add(time.Duration(hours * float64(time.Hour)))
		expiresAt = &t
	}

	if req.DryRun {
		out := map[string]interface{}{
			"dry_run": true,
			"code":    code,
			"kind":    kind,
			"value":   value,
		}
		if customerID != nil {
			out["customer_id"] = *customerID
		}
		if expiresAt != nil {
			out["expires_at"] = expiresAt.Format(time.RFC3339)
		}
		return out, nil, nil
	}

	discount := &models.AutomationDiscount{
		BusinessID: req.BusinessID,
		RuleRunID:  req.RuleRunID,
		Code:       code,
		Kind:       kind,
		Value:      value,
		CustomerID: customerID,
		Status:     "active",
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(discount).Error; err != nil {
		return nil, nil, err
	}

	out := map[string]interface{}{
		"discount_id": discount.ID,
		"code":        code,
		"kind":        kind,
		"value":       value,
		"status":      discount.Status,
	}
	if customerID != nil {
		out["customer_id"] = *customerID
	}
	return out, &Compensation{Kind: CompensationDeactivateDiscount, DiscountID: discount.ID}, nil
}

// generateCode builds {prefix}-{random} and deduplicates case-insensitively
// against existing codes by appending -2, -3, ….
func (e *ApplyDiscountExecutor) generateCode(ctx context.Context, businessID uint, prefix string) (string, error) {
	if prefix == "" {
		prefix = "AUTO"
	}
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	base := fmt.Sprintf("%s-%s", strings.ToUpper(prefix), random)

	candidate := base
	for suffix := 2; ; suffix++ {
		var count int64
		if err := e.db.WithContext(ctx).Model(&models.AutomationDiscount{}).
			Where("business_id = ? AND LOWER(code) = LOWER(?)", businessID, candidate).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, suffix)
	}
}
