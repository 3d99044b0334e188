package breaker

import (
	"testing"
	"time"
)

// fakeClock implements Clock with a manually advanced time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBank(threshold int, timeout time.Duration) (*Bank, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	bank := NewBank(Config{Threshold: threshold, Timeout: timeout, Clock: clock}, nil)
	return bank, clock
}

func TestNewBankDefaults(t *testing.T) {
	bank := NewBank(Config{}, nil)
	if bank.cfg.Threshold != 5 {
		t.Errorf("expected default threshold=5, got %d", bank.cfg.Threshold)
	}
	if bank.cfg.Timeout != 30*time.Second {
		t.Errorf("expected default timeout=30s, got %v", bank.cfg.Timeout)
	}
}

func TestBank_OpensAtThreshold(t *testing.T) {
	bank, _ := newTestBank(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		bank.RecordFailure("stt")
		if bank.IsOpen("stt") {
			t.Fatalf("breaker open after %d failures, expected closed below threshold", i+1)
		}
	}

	bank.RecordFailure("stt")
	if !bank.IsOpen("stt") {
		t.Error("expected breaker open after 5 failures")
	}

	// One more failure does not change the truth value.
	bank.RecordFailure("stt")
	if !bank.IsOpen("stt") {
		t.Error("expected breaker to stay open after additional failure")
	}
}

func TestBank_SuccessDecrementsWithFloor(t *testing.T) {
	bank, _ := newTestBank(5, 30*time.Second)

	bank.RecordFailure("audio")
	bank.RecordFailure("audio")
	bank.RecordSuccess("audio")

	st, ok := bank.Snapshot("audio")
	if !ok {
		t.Fatal("expected state for audio")
	}
	if st.Failures != 1 {
		t.Errorf("expected failures=1 after decrement, got %d", st.Failures)
	}

	// Decrement floors at zero.
	bank.RecordSuccess("audio")
	bank.RecordSuccess("audio")
	st, _ = bank.Snapshot("audio")
	if st.Failures != 0 {
		t.Errorf("expected failures=0 floor, got %d", st.Failures)
	}
}

func TestBank_TimeoutReset(t *testing.T) {
	timeout := 30 * time.Second
	bank, clock := newTestBank(5, timeout)

	for i := 0; i < 5; i++ {
		bank.RecordFailure("stt")
	}
	if !bank.IsOpen("stt") {
		t.Fatal("expected breaker open")
	}

	// Exactly at the timeout boundary the breaker is still open
	// (the rule is strictly greater than).
	clock.advance(timeout)
	if !bank.IsOpen("stt") {
		t.Error("expected breaker open exactly at timeout boundary")
	}

	// One tick past the timeout the query closes it and zeroes failures.
	clock.advance(time.Millisecond)
	if bank.IsOpen("stt") {
		t.Error("expected breaker closed past timeout")
	}
	st, _ := bank.Snapshot("stt")
	if st.Failures != 0 {
		t.Errorf("expected failures=0 after timeout reset, got %d", st.Failures)
	}
	if st.Open {
		t.Error("expected open=false after timeout reset")
	}
}

func TestBank_ServicesIndependent(t *testing.T) {
	bank, _ := newTestBank(2, 30*time.Second)

	bank.RecordFailure("stt")
	bank.RecordFailure("stt")
	bank.RecordFailure("audio")

	if !bank.IsOpen("stt") {
		t.Error("expected stt breaker open")
	}
	if bank.IsOpen("audio") {
		t.Error("expected audio breaker closed")
	}
	if bank.IsOpen("network") {
		t.Error("expected untracked service to report closed")
	}
}

func TestBank_OpenCountAndReset(t *testing.T) {
	bank, _ := newTestBank(1, 30*time.Second)

	bank.RecordFailure("stt")
	bank.RecordFailure("audio")
	if got := bank.OpenCount(); got != 2 {
		t.Errorf("expected 2 open breakers, got %d", got)
	}

	bank.Reset()
	if got := bank.OpenCount(); got != 0 {
		t.Errorf("expected 0 open breakers after reset, got %d", got)
	}
	if _, ok := bank.Snapshot("stt"); ok {
		t.Error("expected no state after reset")
	}
}

func TestBank_UpdateConfig(t *testing.T) {
	bank, _ := newTestBank(5, 30*time.Second)

	bank.UpdateConfig(2, time.Minute)
	bank.RecordFailure("wake")
	bank.RecordFailure("wake")
	if !bank.IsOpen("wake") {
		t.Error("expected breaker open at updated threshold of 2")
	}

	// Invalid values keep previous settings.
	bank.UpdateConfig(0, -1)
	if bank.cfg.Threshold != 2 || bank.cfg.Timeout != time.Minute {
		t.Errorf("expected config unchanged on invalid update, got threshold=%d timeout=%v",
			bank.cfg.Threshold, bank.cfg.Timeout)
	}
}

func TestBank_Snapshots(t *testing.T) {
	bank, _ := newTestBank(5, 30*time.Second)

	bank.RecordFailure("stt")
	bank.RecordFailure("network")

	snaps := bank.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps["stt"].Failures != 1 {
		t.Errorf("expected stt failures=1, got %d", snaps["stt"].Failures)
	}
}
