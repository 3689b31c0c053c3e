package epoch

import "testing"

func TestIncrementCurrentEpochDoesNotRegister(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < 3; i++ {
		tr.IncrementCurrentEpoch()
	}

	if got := tr.EarliestOutstandingEpoch(); got != 4 {
		t.Fatalf("expected repeated IncrementCurrentEpoch calls to leave nothing registered, got earliest=%d want 4", got)
	}
	if len(tr.registered) != 0 {
		t.Fatalf("expected no registered epochs, got %v", tr.registered)
	}
}

func TestEarliestOutstandingAdvancesWhenEmpty(t *testing.T) {
	tr := NewTracker()

	e1 := tr.RegisterRPC()
	tr.RPCCompleted(e1)

	if got := tr.EarliestOutstandingEpoch(); got != e1+1 {
		t.Fatalf("expected earliest outstanding to advance past the completed epoch, got %d want %d", got, e1+1)
	}
}

func TestEarliestOutstandingHoldsOnPendingRPC(t *testing.T) {
	tr := NewTracker()

	e1 := tr.RegisterRPC()
	tr.IncrementCurrentEpoch()
	e2 := tr.RegisterRPC()
	tr.RPCCompleted(e2)

	if got := tr.EarliestOutstandingEpoch(); got != e1 {
		t.Fatalf("expected earliest outstanding to hold at the still-pending epoch %d, got %d", e1, got)
	}

	tr.RPCCompleted(e1)
	if got := tr.EarliestOutstandingEpoch(); got != e2+1 {
		t.Fatalf("expected earliest outstanding to advance once all RPCs complete, got %d want %d", got, e2+1)
	}
}

func TestSameEpochMultipleRPCs(t *testing.T) {
	tr := NewTracker()
	tr.current.Store(5)

	e := tr.RegisterRPC()
	tr.registered[e]++ // simulate a second concurrent RPC sharing the same epoch

	tr.RPCCompleted(e)
	if got := tr.EarliestOutstandingEpoch(); got != e {
		t.Fatalf("expected epoch to remain outstanding after only one of two completions, got %d want %d", got, e)
	}

	tr.RPCCompleted(e)
	if got := tr.EarliestOutstandingEpoch(); got != e+1 {
		t.Fatalf("expected epoch to clear after both completions, got %d want %d", got, e+1)
	}
}

func TestCleaningCyclesDoNotStallReclamation(t *testing.T) {
	tr := NewTracker()

	// Mirrors SegmentManager.CleaningComplete calling IncrementCurrentEpoch
	// once per cycle with no matching RPC registration.
	epoch1 := tr.IncrementCurrentEpoch() - 1
	if got := tr.EarliestOutstandingEpoch(); epoch1 >= got {
		t.Fatalf("expected first cleaning cycle's stamped epoch %d to already be reclaimable, earliest=%d", epoch1, got)
	}

	epoch2 := tr.IncrementCurrentEpoch() - 1
	if got := tr.EarliestOutstandingEpoch(); epoch2 >= got {
		t.Fatalf("expected second cleaning cycle's stamped epoch %d to remain reclaimable, earliest=%d", epoch2, got)
	}
}
