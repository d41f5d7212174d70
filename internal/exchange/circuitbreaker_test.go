package exchange

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 60*time.Millisecond, 3, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if !cb.CanExecute() {
			t.Fatalf("call %d should be allowed before breaker trips", i)
		}
		cb.OnFailure()
	}

	if cb.CanExecute() {
		t.Fatal("6th call should be refused, breaker should be open")
	}

	time.Sleep(70 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("after recovery timeout a probe call should be allowed")
	}
	if cb.Status().State != string(breakerHalfOpen) {
		t.Fatalf("expected half_open, got %s", cb.Status().State)
	}
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond, 3, zerolog.Nop())
	cb.CanExecute()
	cb.OnFailure()
	time.Sleep(5 * time.Millisecond)

	if !cb.CanExecute() {
		t.Fatal("expected half-open probe to be allowed")
	}
	cb.OnSuccess()

	if cb.Status().State != string(breakerClosed) {
		t.Fatalf("expected closed after successful probe, got %s", cb.Status().State)
	}
}

func TestRateLimiterCapsThroughput(t *testing.T) {
	rl := NewRateLimiter(50)
	start := time.Now()
	for i := 0; i < 5; i++ {
		rl.Wait()
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("5 calls under a 50/s limit should not need to sleep noticeably")
	}
}
