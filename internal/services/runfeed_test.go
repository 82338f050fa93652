package services

import (
	"testing"
	"time"

	"monidesk/internal/models"
)

func TestRunFeedHub_NotifyRunNeverBlocks(t *testing.T) {
	hub := NewRunFeedHub(nil)
	// No Run() loop draining the broadcast channel; once the buffer is
	// full each notify must drop instead of stalling.
	run := &models.AutomationRuleRun{BusinessID: 1, RuleID: 2, Status: models.RunStatusSuccess}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.NotifyRun(run)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyRun blocked with no consumer")
	}
}

func TestRunFeedHub_BroadcastScopedToBusiness(t *testing.T) {
	hub := NewRunFeedHub(nil)
	go hub.Run()

	mine := &runFeedClient{id: "a", businessID: 1, send: make(chan RunFeedEvent, 4), hub: hub}
	other := &runFeedClient{id: "b", businessID: 2, send: make(chan RunFeedEvent, 4), hub: hub}
	hub.register <- mine
	hub.register <- other

	hub.NotifyRun(&models.AutomationRuleRun{BusinessID: 1, RuleID: 7, Status: models.RunStatusBlocked, BlockedReason: "Rate limit reached"})

	select {
	case event := <-mine.send:
		if event.Type != "rule_run" || event.RuleID != 7 || event.Status != models.RunStatusBlocked {
			t.Errorf("event = %+v, want rule_run for rule 7", event)
		}
		if event.BlockedReason != "Rate limit reached" {
			t.Errorf("blocked_reason = %q", event.BlockedReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client for business 1 received nothing")
	}

	select {
	case event := <-other.send:
		t.Errorf("business 2 client received %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunFeedHub_ClientCount(t *testing.T) {
	hub := NewRunFeedHub(nil)
	go hub.Run()

	if hub.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0", hub.ClientCount())
	}

	client := &runFeedClient{id: "c", businessID: 1, send: make(chan RunFeedEvent, 1), hub: hub}
	hub.register <- client

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
