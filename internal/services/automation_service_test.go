package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"monidesk/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.AutomationRule{},
		&models.AutomationRuleRun{},
		&models.AutomationRuleStep{},
		&models.AutomationTask{},
		&models.AutomationDiscount{},
		&models.Customer{},
		&models.CustomerTag{},
		&models.CustomerTagLink{},
		&models.OutboxEvent{},
		&models.OutboundMessage{},
		&models.AppInstallation{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestRule(t *testing.T, db *gorm.DB, actions []RuleAction, mutate func(*models.AutomationRule)) *models.AutomationRule {
	t.Helper()
	rule := &models.AutomationRule{
		BusinessID:       1,
		Name:             "rule " + t.Name(),
		Status:           models.RuleStatusActive,
		TriggerEventType: "order.created",
		Actions:          mustJSON(actions),
		Version:          1,
		RunLimitPerHour:  60,
	}
	if mutate != nil {
		mutate(rule)
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("failed to insert rule: %v", err)
	}
	return rule
}

func newTestCustomer(t *testing.T, db *gorm.DB) *models.Customer {
	t.Helper()
	customer := &models.Customer{BusinessID: 1, Name: "Ada", Phone: "+491701234567", Email: "ada@example.com"}
	if err := db.Create(customer).Error; err != nil {
		t.Fatalf("failed to insert customer: %v", err)
	}
	return customer
}

func taskActions() []RuleAction {
	return []RuleAction{
		{Type: ActionCreateTask, Config: map[string]interface{}{"title": "Handle {{event.type}}"}},
	}
}

func TestExecuteRule_IdempotentPerTriggerEvent(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	rule := newTestRule(t, db, taskActions(), nil)

	eventID := uint(5)
	opts := ExecuteOptions{TriggerEventID: &eventID, TriggerEventType: "order.created", Payload: map[string]interface{}{"order_id": float64(1)}}

	first, created, err := svc.ExecuteRule(context.Background(), rule, opts)
	if err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if !created {
		t.Fatal("first execution should create a run")
	}

	second, created, err := svc.ExecuteRule(context.Background(), rule, opts)
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if created {
		t.Error("replay should not create a second run")
	}
	if second.ID != first.ID {
		t.Errorf("replay returned run %d, want %d", second.ID, first.ID)
	}

	var runs int64
	db.Model(&models.AutomationRuleRun{}).Count(&runs)
	if runs != 1 {
		t.Errorf("run count = %d, want 1", runs)
	}
	var tasks int64
	db.Model(&models.AutomationTask{}).Count(&tasks)
	if tasks != 1 {
		t.Errorf("task count = %d, want 1 (side effect must not repeat)", tasks)
	}
}

func TestExecuteRule_StopsAtFirstFailingStep(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	rule := newTestRule(t, db, []RuleAction{
		{Type: ActionCreateTask, Config: map[string]interface{}{"title": "first"}},
		{Type: ActionSendMessage, Config: map[string]interface{}{"content": "no recipient configured"}},
		{Type: ActionCreateTask, Config: map[string]interface{}{"title": "never reached"}},
	}, nil)

	run, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created"})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}

	if run.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.StepsTotal != 2 {
		t.Errorf("steps total = %d, want 2 (third action never starts)", run.StepsTotal)
	}
	if run.StepsSucceeded != 1 || run.StepsFailed != 1 {
		t.Errorf("steps succeeded/failed = %d/%d, want 1/1", run.StepsSucceeded, run.StepsFailed)
	}
	if run.ErrorMessage == "" {
		t.Error("run error message should carry the failing step's error")
	}

	var steps []models.AutomationRuleStep
	db.Where("rule_run_id = ?", run.ID).Order("step_index ASC").Find(&steps)
	if len(steps) != 2 {
		t.Fatalf("persisted steps = %d, want 2", len(steps))
	}
	if steps[0].Status != models.StepStatusSuccess || steps[1].Status != models.StepStatusFailed {
		t.Errorf("step statuses = %s, %s; want success, failed", steps[0].Status, steps[1].Status)
	}

	var tasks int64
	db.Model(&models.AutomationTask{}).Count(&tasks)
	if tasks != 1 {
		t.Errorf("task count = %d, want 1", tasks)
	}
}

func TestExecuteRule_RollbackOnFailure(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	customer := newTestCustomer(t, db)

	rule := newTestRule(t, db, []RuleAction{
		{Type: ActionTagCustomer, Config: map[string]interface{}{"customer_id": float64(customer.ID), "tag_name": "VIP"}},
		{Type: ActionApplyDiscount, Config: map[string]interface{}{"kind": "fixed", "value": float64(5), "code": "SORRY5"}},
		{Type: ActionCreateTask, Config: map[string]interface{}{"title": "{{payload.missing_title}}"}},
	}, func(r *models.AutomationRule) { r.RollbackOnFailure = true })

	run, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created"})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}

	if run.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	// Rolled-back steps still count as succeeded executions.
	if run.StepsSucceeded != 2 || run.StepsFailed != 1 {
		t.Errorf("steps succeeded/failed = %d/%d, want 2/1", run.StepsSucceeded, run.StepsFailed)
	}

	var steps []models.AutomationRuleStep
	db.Where("rule_run_id = ?", run.ID).Order("step_index ASC").Find(&steps)
	if len(steps) != 3 {
		t.Fatalf("persisted steps = %d, want 3", len(steps))
	}
	if steps[0].Status != models.StepStatusRolledBack || steps[1].Status != models.StepStatusRolledBack {
		t.Errorf("step statuses = %s, %s; want rolled_back, rolled_back", steps[0].Status, steps[1].Status)
	}

	// The rollback outcome is appended to the step output.
	var output map[string]interface{}
	if err := json.Unmarshal(steps[0].Output, &output); err != nil {
		t.Fatalf("unmarshal step output: %v", err)
	}
	rollback, ok := output["rollback"].(map[string]interface{})
	if !ok || rollback["status"] != "success" {
		t.Errorf("step rollback outcome = %v, want status success", output["rollback"])
	}

	// Tag link and the tag created by the run are gone.
	var links, tags int64
	db.Model(&models.CustomerTagLink{}).Count(&links)
	db.Model(&models.CustomerTag{}).Count(&tags)
	if links != 0 || tags != 0 {
		t.Errorf("links/tags remaining = %d/%d, want 0/0", links, tags)
	}

	// The discount is soft-reversed, not deleted.
	var discount models.AutomationDiscount
	if err := db.Where("code = ?", "SORRY5").First(&discount).Error; err != nil {
		t.Fatalf("discount row should survive rollback: %v", err)
	}
	if discount.Status != "inactive" {
		t.Errorf("discount status = %s, want inactive", discount.Status)
	}
}

func TestExecuteRule_RollbackPreservesPreexistingTag(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	customer := newTestCustomer(t, db)
	tag := &models.CustomerTag{BusinessID: 1, Name: "VIP"}
	if err := db.Create(tag).Error; err != nil {
		t.Fatalf("insert tag: %v", err)
	}

	rule := newTestRule(t, db, []RuleAction{
		{Type: ActionTagCustomer, Config: map[string]interface{}{"customer_id": float64(customer.ID), "tag_name": "vip"}},
		{Type: ActionCreateTask, Config: map[string]interface{}{"title": "{{payload.missing_title}}"}},
	}, func(r *models.AutomationRule) { r.RollbackOnFailure = true })

	if _, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created"}); err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}

	// The link is removed but the tag existed before the run and stays.
	var links, tags int64
	db.Model(&models.CustomerTagLink{}).Count(&links)
	db.Model(&models.CustomerTag{}).Count(&tags)
	if links != 0 {
		t.Errorf("links remaining = %d, want 0", links)
	}
	if tags != 1 {
		t.Errorf("tags remaining = %d, want 1", tags)
	}
}

func TestExecuteRule_NoRollbackWhenDisabled(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)

	rule := newTestRule(t, db, []RuleAction{
		{Type: ActionApplyDiscount, Config: map[string]interface{}{"kind": "fixed", "value": float64(5), "code": "KEEP5"}},
		{Type: ActionCreateTask, Config: map[string]interface{}{"title": "{{payload.missing_title}}"}},
	}, nil)

	if _, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created"}); err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}

	var discount models.AutomationDiscount
	if err := db.Where("code = ?", "KEEP5").First(&discount).Error; err != nil {
		t.Fatalf("load discount: %v", err)
	}
	if discount.Status != "active" {
		t.Errorf("discount status = %s, want active (rollback disabled)", discount.Status)
	}
}

func TestExecuteRule_ConditionGateSkips(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	rule := newTestRule(t, db, taskActions(), func(r *models.AutomationRule) {
		r.Conditions = mustJSON([]RuleCondition{
			{Field: "payload.total", Operator: OpGt, Value: float64(100)},
		})
	})

	run, created, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{
		TriggerEventType: "order.created",
		Payload:          map[string]interface{}{"total": float64(50)},
	})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if !created {
		t.Fatal("a skipped run is still recorded")
	}
	if run.Status != models.RunStatusSkipped {
		t.Errorf("run status = %s, want skipped", run.Status)
	}
	if !strings.Contains(run.BlockedReason, "Condition failed") {
		t.Errorf("blocked reason = %q, want condition failure text", run.BlockedReason)
	}

	var steps int64
	db.Model(&models.AutomationRuleStep{}).Count(&steps)
	if steps != 0 {
		t.Errorf("steps = %d, want 0", steps)
	}
}

func TestExecuteRule_EmptyActionsSkipped(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	rule := newTestRule(t, db, nil, nil)

	run, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created"})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if run.Status != models.RunStatusSkipped {
		t.Errorf("run status = %s, want skipped", run.Status)
	}
	if run.BlockedReason != "No actions configured" {
		t.Errorf("blocked reason = %q", run.BlockedReason)
	}
}

func TestExecuteRule_RateLimit(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	rule := newTestRule(t, db, taskActions(), func(r *models.AutomationRule) {
		r.RunLimitPerHour = 1
	})

	first, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{
		TriggerEventType: "order.created", Payload: map[string]interface{}{"order_id": float64(1)},
	})
	if err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if first.Status != models.RunStatusSuccess {
		t.Fatalf("first run status = %s, want success", first.Status)
	}

	second, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{
		TriggerEventType: "order.created", Payload: map[string]interface{}{"order_id": float64(2)},
	})
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if second.Status != models.RunStatusBlocked {
		t.Errorf("second run status = %s, want blocked", second.Status)
	}
	if second.BlockedReason != "Rate limit reached" {
		t.Errorf("blocked reason = %q", second.BlockedReason)
	}

	// Blocked runs consume budget too, so the window stays closed.
	third, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{
		TriggerEventType: "order.created", Payload: map[string]interface{}{"order_id": float64(3)},
	})
	if err != nil {
		t.Fatalf("third execution: %v", err)
	}
	if third.Status != models.RunStatusBlocked {
		t.Errorf("third run status = %s, want blocked", third.Status)
	}
}

func TestExecuteRule_LoopPrevention(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	rule := newTestRule(t, db, taskActions(), func(r *models.AutomationRule) {
		r.ReentryCooldownSeconds = 3600
	})

	payload := map[string]interface{}{"order_id": float64(77)}

	first, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created", Payload: payload})
	if err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if first.Status != models.RunStatusSuccess {
		t.Fatalf("first run status = %s, want success", first.Status)
	}

	second, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{TriggerEventType: "order.created", Payload: payload})
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if second.Status != models.RunStatusBlocked {
		t.Errorf("same entity within cooldown: status = %s, want blocked", second.Status)
	}
	if second.BlockedReason != "Loop prevention triggered" {
		t.Errorf("blocked reason = %q", second.BlockedReason)
	}

	// A different entity yields a different fingerprint and passes.
	other, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{
		TriggerEventType: "order.created", Payload: map[string]interface{}{"order_id": float64(78)},
	})
	if err != nil {
		t.Fatalf("third execution: %v", err)
	}
	if other.Status != models.RunStatusSuccess {
		t.Errorf("different entity: status = %s, want success", other.Status)
	}
}

func TestExecuteRule_ContextAccumulation(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, nil, nil)
	customer := newTestCustomer(t, db)

	rule := newTestRule(t, db, []RuleAction{
		{Type: ActionApplyDiscount, Config: map[string]interface{}{"kind": "percentage", "value": float64(10), "prefix": "CART"}},
		{Type: ActionSendMessage, Config: map[string]interface{}{
			"customer_id_from": "payload.customer_id",
			"content":          "Use code {{actions.apply_discount.code}} for 10% off.",
		}},
	}, nil)

	run, _, err := svc.ExecuteRule(context.Background(), rule, ExecuteOptions{
		TriggerEventType: "checkout.abandoned",
		Payload:          map[string]interface{}{"customer_id": float64(customer.ID)},
	})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if run.Status != models.RunStatusSuccess {
		t.Fatalf("run status = %s (%s), want success", run.Status, run.ErrorMessage)
	}

	var discount models.AutomationDiscount
	if err := db.Where("rule_run_id = ?", run.ID).First(&discount).Error; err != nil {
		t.Fatalf("load discount: %v", err)
	}
	if !strings.HasPrefix(discount.Code, "CART-") {
		t.Errorf("discount code = %q, want CART- prefix", discount.Code)
	}

	var msg models.OutboundMessage
	if err := db.Where("rule_run_id = ?", run.ID).First(&msg).Error; err != nil {
		t.Fatalf("load outbound message: %v", err)
	}
	if !strings.Contains(msg.Content, discount.Code) {
		t.Errorf("message %q should reference discount code %q", msg.Content, discount.Code)
	}
	if msg.Recipient != customer.Phone {
		t.Errorf("recipient = %q, want customer phone %q", msg.Recipient, customer.Phone)
	}

	// The live send queues a follow-up outbox event.
	var queued models.OutboxEvent
	if err := db.Where("event_type = ?", "message.queued").First(&queued).Error; err != nil {
		t.Errorf("expected a message.queued outbox event: %v", err)
	}
}

func TestTriggerFingerprint(t *testing.T) {
	eventID := uint(9)

	tests := []struct {
		name      string
		eventType string
		eventID   *uint
		payload   map[string]interface{}
		want      string
	}{
		{
			name:      "entity id takes priority",
			eventType: "order.created",
			eventID:   &eventID,
			payload:   map[string]interface{}{"entity_id": "E-1", "order_id": float64(4)},
			want:      "order.created:E-1",
		},
		{
			name:      "order id when no higher priority key",
			eventType: "order.created",
			payload:   map[string]interface{}{"order_id": float64(4)},
			want:      "order.created:4",
		},
		{
			name:      "event id fallback",
			eventType: "order.created",
			eventID:   &eventID,
			payload:   map[string]interface{}{"other": "x"},
			want:      "order.created:9",
		},
		{
			name:      "payload serialization fallback",
			eventType: "order.created",
			payload:   map[string]interface{}{"other": "x"},
			want:      `order.created:{"other":"x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TriggerFingerprint(tt.eventType, tt.eventID, tt.payload)
			if got != tt.want {
				t.Errorf("TriggerFingerprint = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTriggerFingerprint_Truncated(t *testing.T) {
	payload := map[string]interface{}{"entity_id": strings.Repeat("x", 400)}
	got := TriggerFingerprint("order.created", nil, payload)
	if len(got) != 160 {
		t.Errorf("fingerprint length = %d, want 160", len(got))
	}
}

func TestMatchesTriggerPattern(t *testing.T) {
	tests := []struct {
		pattern string
		event   string
		want    bool
	}{
		{"*", "anything.at.all", true},
		{"order.created", "order.created", true},
		{"order.created", "order.cancelled", false},
		{"order.*", "order.created", true},
		{"order.*", "invoice.overdue", false},
		{"*.created", "order.created", true},
		{"*.created", "order.created.v2", false},
		{"order.*.eu", "order.created.eu", true},
	}

	for _, tt := range tests {
		if got := MatchesTriggerPattern(tt.pattern, tt.event); got != tt.want {
			t.Errorf("MatchesTriggerPattern(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}
