package circuitbreaker

import (
	"testing"
	"time"
)

func TestReplicaBreaker_StaysClosedOnHealthyLag(t *testing.T) {
	b := NewReplicaBreaker(10, 3, time.Minute)

	for i := 0; i < 10; i++ {
		b.RecordLag(1.5)
	}
	if !b.Healthy() {
		t.Error("breaker should be healthy on low lag")
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
	if b.LagSeconds() != 1.5 {
		t.Errorf("expected last lag 1.5, got %f", b.LagSeconds())
	}
}

func TestReplicaBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewReplicaBreaker(10, 3, time.Minute)

	b.RecordLag(15)
	b.RecordProbeFailure()
	if !b.Healthy() {
		t.Error("breaker should not open before the failure threshold")
	}

	b.RecordLag(20)
	if b.Healthy() {
		t.Error("breaker should open after three consecutive failures")
	}
	if b.State() != StateOpen {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestReplicaBreaker_HealthyLagResetsFailureCount(t *testing.T) {
	b := NewReplicaBreaker(10, 3, time.Minute)

	b.RecordLag(15)
	b.RecordLag(15)
	b.RecordLag(0.5)
	b.RecordLag(15)
	b.RecordLag(15)
	if !b.Healthy() {
		t.Error("non-consecutive failures should not open the breaker")
	}
}

func TestReplicaBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := NewReplicaBreaker(10, 1, 10*time.Millisecond)

	b.RecordProbeFailure()
	if b.Healthy() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Healthy() {
		t.Fatal("breaker should allow a probe after the cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half open, got %s", b.State())
	}

	t.Run("closes on healthy measurement", func(t *testing.T) {
		b.RecordLag(0.2)
		if b.State() != StateClosed {
			t.Errorf("expected closed, got %s", b.State())
		}
	})
}

func TestReplicaBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewReplicaBreaker(10, 1, 10*time.Millisecond)

	b.RecordProbeFailure()
	time.Sleep(15 * time.Millisecond)
	if !b.Healthy() {
		t.Fatal("breaker should be half open")
	}

	b.RecordProbeFailure()
	if b.Healthy() {
		t.Error("failed half-open probe should reopen immediately")
	}
}
