package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cardrisk/monitor/domain/evaluator"
)

func TestController_UnboundedWhenNegative(t *testing.T) {
	c := New(-1)
	if c.Capacity() != -1 {
		t.Errorf("Capacity() = %d, want -1 (unbounded)", c.Capacity())
	}

	called := false
	result, shed, err := c.Run(context.Background(), "txn-1", evaluator.DecisionApprove, "CARD_MONITORING", func(ctx context.Context) (*evaluator.EvalDecision, error) {
		called = true
		return &evaluator.EvalDecision{TransactionID: "txn-1"}, nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if shed {
		t.Error("an unbounded controller should never shed")
	}
	if !called {
		t.Error("fn should have been invoked")
	}
	if result.TransactionID != "txn-1" {
		t.Errorf("result.TransactionID = %q, want txn-1", result.TransactionID)
	}
}

func TestController_ShedsEverythingWhenZero(t *testing.T) {
	c := New(0)
	if c.Capacity() != 0 {
		t.Errorf("Capacity() = %d, want 0", c.Capacity())
	}

	result, shed, err := c.Run(context.Background(), "txn-shed", evaluator.DecisionDecline, "CARD_MONITORING", func(ctx context.Context) (*evaluator.EvalDecision, error) {
		t.Error("fn should not run when max_concurrent is 0")
		return nil, nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !shed {
		t.Fatal("a zero-capacity controller must shed every request, per spec §8 scenario 4")
	}
	if result.Decision != evaluator.DecisionDecline {
		t.Errorf("Decision = %v, want the preserved caller decision DECLINE", result.Decision)
	}
	if result.EngineMode != evaluator.ModeDegraded {
		t.Errorf("EngineMode = %v, want DEGRADED", result.EngineMode)
	}
	if result.EngineErrorCode != "LOAD_SHEDDING" {
		t.Errorf("EngineErrorCode = %v, want LOAD_SHEDDING", result.EngineErrorCode)
	}
}

func TestController_AdmitsWithinCapacity(t *testing.T) {
	c := New(2)
	result, shed, err := c.Run(context.Background(), "txn-1", evaluator.DecisionApprove, "CARD_MONITORING", func(ctx context.Context) (*evaluator.EvalDecision, error) {
		return &evaluator.EvalDecision{TransactionID: "txn-1"}, nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if shed {
		t.Error("a request within capacity should not be shed")
	}
	if result == nil {
		t.Fatal("expected a non-nil result")
	}
	if c.InUse() != 0 {
		t.Errorf("InUse() after completion = %d, want 0 (slot released)", c.InUse())
	}
}

func TestController_ShedsWhenSaturated(t *testing.T) {
	c := New(1)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(context.Background(), "txn-holding", evaluator.DecisionApprove, "CARD_MONITORING", func(ctx context.Context) (*evaluator.EvalDecision, error) {
			close(started)
			<-release
			return &evaluator.EvalDecision{}, nil
		})
	}()

	<-started
	// Give the holder's slot acquisition a moment to be visible before
	// asserting the second request is shed.
	time.Sleep(10 * time.Millisecond)

	result, shed, err := c.Run(context.Background(), "txn-shed", evaluator.DecisionDecline, "CARD_MONITORING", func(ctx context.Context) (*evaluator.EvalDecision, error) {
		t.Error("fn should not run when the controller is saturated")
		return nil, nil
	})
	close(release)
	wg.Wait()

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !shed {
		t.Fatal("expected the second request to be shed")
	}
	if result.Decision != evaluator.DecisionDecline {
		t.Errorf("Decision = %v, want the preserved caller decision DECLINE", result.Decision)
	}
	if result.EngineMode != evaluator.ModeDegraded {
		t.Errorf("EngineMode = %v, want DEGRADED", result.EngineMode)
	}
}

func TestDegrade_FallsBackToApproveWhenDecisionUnknown(t *testing.T) {
	d := Degrade("txn-1", "", "CARD_MONITORING")
	if d.Decision != evaluator.DecisionApprove {
		t.Errorf("Decision = %v, want APPROVE fallback", d.Decision)
	}
	if len(d.MatchedRules) != 0 {
		t.Errorf("MatchedRules = %v, want empty", d.MatchedRules)
	}
}
