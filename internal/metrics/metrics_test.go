package metrics

import (
	"sync"
	"testing"
)

func TestIncRunOutcome(t *testing.T) {
	// 重置全局状态
	runs = runStats{}

	tests := []struct {
		name   string
		status string
		want   string
	}{
		{name: "success outcome", status: "success", want: "success"},
		{name: "failed outcome", status: "failed", want: "failed"},
		{name: "empty status defaults to unknown", status: "", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initialTotal, _ := RunSnapshot()

			IncRunOutcome(tt.status)

			newTotal, byStatus := RunSnapshot()
			if newTotal != initialTotal+1 {
				t.Errorf("total = %d, want %d", newTotal, initialTotal+1)
			}
			if byStatus[tt.want] == 0 {
				t.Errorf("status %s not incremented", tt.want)
			}
		})
	}
}

func TestIncRunOutcome_Concurrent(t *testing.T) {
	// 重置全局状态
	runs = runStats{}

	const goroutines = 100
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			IncRunOutcome("success")
		}()
	}
	wg.Wait()

	total, byStatus := RunSnapshot()
	if total != goroutines {
		t.Errorf("total = %d, want %d", total, goroutines)
	}
	if byStatus["success"] != goroutines {
		t.Errorf("success = %d, want %d", byStatus["success"], goroutines)
	}
}

func TestIncRateLimitDrop(t *testing.T) {
	// 重置全局状态
	rl = rateLimitStats{}

	IncRateLimitDrop("")
	IncRateLimitDrop("api")
	IncRateLimitDrop("api")

	total, byPrefix := RateLimitSnapshot()
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if byPrefix["global"] != 1 {
		t.Errorf("global = %d, want 1", byPrefix["global"])
	}
	if byPrefix["api"] != 2 {
		t.Errorf("api = %d, want 2", byPrefix["api"])
	}
}

func TestSnapshot_ReturnsCopy(t *testing.T) {
	rl = rateLimitStats{}
	IncRateLimitDrop("api")

	_, by := RateLimitSnapshot()
	by["api"] = 999

	_, by2 := RateLimitSnapshot()
	if by2["api"] != 1 {
		t.Errorf("snapshot mutated underlying map: api = %d, want 1", by2["api"])
	}
}
