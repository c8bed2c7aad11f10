package server

import "testing"

func TestLoginLimiterBurstThenThrottles(t *testing.T) {
	rl := NewLoginLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("expected burst attempt %d to be allowed", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("expected attempt beyond burst to be denied")
	}
}

func TestLoginLimiterPerIPIsolated(t *testing.T) {
	rl := NewLoginLimiter(1, 1)
	if !rl.Allow("1.1.1.1") {
		t.Fatal("expected first IP's first attempt to be allowed")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatal("expected a different IP to have its own independent budget")
	}
}
