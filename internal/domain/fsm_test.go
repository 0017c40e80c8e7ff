package domain

import "testing"

func TestRunState_LegalTransitions(t *testing.T) {
	legal := []struct{ from, to RunState }{
		{RunQueued, RunPreparing},
		{RunPreparing, RunRunning},
		{RunPreparing, RunFailed},
		{RunRunning, RunCompleted},
		{RunRunning, RunFailed},
		{RunRunning, RunCancelled},
		{RunRunning, RunTimeout},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}
}

func TestRunState_IllegalTransitionsRejected(t *testing.T) {
	illegal := []struct{ from, to RunState }{
		{RunQueued, RunRunning},
		{RunQueued, RunCompleted},
		{RunCompleted, RunRunning},
		{RunFailed, RunQueued},
		{RunCancelled, RunRunning},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestRunState_TerminalStatesAreAbsorbing(t *testing.T) {
	for _, s := range []RunState{RunCompleted, RunFailed, RunCancelled, RunTimeout} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		for _, to := range []RunState{RunQueued, RunPreparing, RunRunning} {
			if CanTransition(s, to) {
				t.Errorf("terminal state %s must not transition to %s", s, to)
			}
		}
	}
	for _, s := range []RunState{RunQueued, RunPreparing, RunRunning} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestBatchStatus_Transitions(t *testing.T) {
	if !CanTransitionBatch(BatchPending, BatchRunning) {
		t.Error("PENDING -> RUNNING must be legal")
	}
	if !CanTransitionBatch(BatchRunning, BatchPaused) {
		t.Error("RUNNING -> PAUSED must be legal")
	}
	if !CanTransitionBatch(BatchPaused, BatchRunning) {
		t.Error("PAUSED -> RUNNING must be legal")
	}
	if CanTransitionBatch(BatchCompleted, BatchRunning) {
		t.Error("COMPLETED is terminal, must reject -> RUNNING")
	}
	if CanTransitionBatch(BatchPending, BatchPaused) {
		t.Error("PENDING -> PAUSED must be illegal (must go through RUNNING)")
	}
}

func TestCrawlTaskStatus_TimeoutAndTerminalTransitions(t *testing.T) {
	// This only exercises the FSM edges; the >max_retries comparison
	// itself lives in internal/queue, decided in DESIGN.md's Open
	// Question section.
	if !CanTransitionCrawlTask(CrawlTimeout, CrawlDispatched) {
		t.Error("TIMEOUT -> DISPATCHED (retry) must be legal")
	}
	if !CanTransitionCrawlTask(CrawlTimeout, CrawlFailed) {
		t.Error("TIMEOUT -> FAILED (dead-letter) must be legal")
	}
	if CanTransitionCrawlTask(CrawlSuccess, CrawlRunning) {
		t.Error("SUCCESS is terminal, must reject -> RUNNING")
	}
}

func TestCrawlBatch_ClampTestLimits(t *testing.T) {
	b := &CrawlBatch{
		IsTest: true,
		Config: BatchConfig{MaxDepth: 10, MaxPages: 10000, MaxConcurrency: 50},
	}
	b.ClampTestLimits()

	if b.Config.MaxDepth != TestMaxDepth {
		t.Errorf("expected MaxDepth clamped to %d, got %d", TestMaxDepth, b.Config.MaxDepth)
	}
	if b.Config.MaxPages != TestMaxPages {
		t.Errorf("expected MaxPages clamped to %d, got %d", TestMaxPages, b.Config.MaxPages)
	}
	if b.Config.MaxConcurrency != TestMaxConcurrency {
		t.Errorf("expected MaxConcurrency clamped to %d, got %d", TestMaxConcurrency, b.Config.MaxConcurrency)
	}
	if b.Config.Timeout != TestMaxTimeout {
		t.Errorf("expected Timeout defaulted to %s, got %s", TestMaxTimeout, b.Config.Timeout)
	}
}

func TestCrawlBatch_ClampTestLimitsNoopWhenNotTest(t *testing.T) {
	b := &CrawlBatch{
		IsTest: false,
		Config: BatchConfig{MaxDepth: 10},
	}
	b.ClampTestLimits()
	if b.Config.MaxDepth != 10 {
		t.Errorf("non-test batch must not be clamped, got MaxDepth=%d", b.Config.MaxDepth)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled} {
		got, ok := ParseStatus(string(s))
		if !ok || got != s {
			t.Errorf("ParseStatus(%q) = (%q, %v), want (%q, true)", s, got, ok, s)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Error("ParseStatus(\"bogus\") should return ok=false")
	}
}
