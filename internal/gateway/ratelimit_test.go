package gateway

import "testing"

func TestRateLimiter(t *testing.T) {
	tests := []struct {
		name    string
		rpm     int
		calls   int
		allowed int
	}{
		{"disabled", 0, 20, 20},
		{"negative disables", -1, 20, 20},
		{"burst then limited", 1, 8, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewRateLimiter(tt.rpm, 3)
			got := 0
			for i := 0; i < tt.calls; i++ {
				if l.Allow("t1") {
					got++
				}
			}
			if got != tt.allowed {
				t.Errorf("allowed %d of %d, want %d", got, tt.calls, tt.allowed)
			}
		})
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(1, 1)
	if !l.Allow("a") || l.Allow("a") {
		t.Fatal("key a should get exactly its burst")
	}
	if !l.Allow("b") {
		t.Error("key b limited by key a")
	}
}

func TestRateLimiterSetRPM(t *testing.T) {
	l := NewRateLimiter(0, 1)
	if l.Enabled() {
		t.Fatal("rpm 0 should be disabled")
	}
	l.SetRPM(1)
	if !l.Enabled() {
		t.Fatal("SetRPM(1) did not enable")
	}
	l.Allow("a")
	if l.Allow("a") {
		t.Error("second call within the minute allowed")
	}
	l.SetRPM(0)
	if !l.Allow("a") {
		t.Error("disabled limiter refused a call")
	}
}
