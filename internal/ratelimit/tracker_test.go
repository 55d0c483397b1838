package ratelimit

import (
	"context"
	"testing"
	"time"
)

var testKey = Key{Identifier: "user-1", Type: IdentifierUser, Endpoint: "/quotations/approve"}

func testPolicy() Policy {
	return Policy{
		Window:           time.Hour,
		CaptchaThreshold: 3,
		BlockThreshold:   5,
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", Policy{Window: time.Hour, CaptchaThreshold: 3, BlockThreshold: 5}, false},
		{"captcha disabled", Policy{Window: time.Hour, BlockThreshold: 5}, false},
		{"zero window", Policy{BlockThreshold: 5}, true},
		{"zero block", Policy{Window: time.Hour}, true},
		{"captcha >= block", Policy{Window: time.Hour, CaptchaThreshold: 5, BlockThreshold: 5}, true},
		{"negative captcha", Policy{Window: time.Hour, CaptchaThreshold: -1, BlockThreshold: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryStore_CaptchaEscalation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := testPolicy()

	// Requests 1-3 pass without a challenge.
	for i := 1; i <= 3; i++ {
		d, err := store.Hit(ctx, testKey, policy)
		if err != nil {
			t.Fatalf("Hit() error = %v", err)
		}
		if !d.Allowed {
			t.Errorf("request %d: Allowed = false, want true", i)
		}
		if d.RequiresCaptcha {
			t.Errorf("request %d: RequiresCaptcha = true, want false", i)
		}
	}

	// Request 4 crosses the soft threshold.
	d, err := store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if !d.Allowed {
		t.Error("request 4: Allowed = false, want true (captcha, not block)")
	}
	if !d.RequiresCaptcha {
		t.Error("request 4: RequiresCaptcha = false, want true")
	}

	// A verified solve resets the record.
	if err := store.CaptchaSolved(ctx, testKey); err != nil {
		t.Fatalf("CaptchaSolved() error = %v", err)
	}
	d, err = store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if d.RequiresCaptcha {
		t.Error("after solve: RequiresCaptcha = true, want false")
	}
	if d.Count != 1 {
		t.Errorf("after solve: Count = %d, want 1", d.Count)
	}
}

func TestInMemoryStore_Block(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := testPolicy()

	for i := 1; i <= 5; i++ {
		if _, err := store.Hit(ctx, testKey, policy); err != nil {
			t.Fatalf("Hit() error = %v", err)
		}
	}

	// Request 6 exceeds the hard ceiling.
	d, err := store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if d.Allowed {
		t.Error("request 6: Allowed = true, want blocked")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want > 0", d.RetryAfter)
	}

	// Still blocked while the window holds, even for a single request.
	d, err = store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if d.Allowed {
		t.Error("during block: Allowed = true, want blocked")
	}
}

func TestInMemoryStore_BlockExpires(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := testPolicy()

	current := time.Now()
	store.now = func() time.Time { return current }

	for i := 0; i <= 5; i++ {
		if _, err := store.Hit(ctx, testKey, policy); err != nil {
			t.Fatalf("Hit() error = %v", err)
		}
	}

	// Advance past blockedUntil and the window: the identifier is allowed
	// again with a fresh count.
	current = current.Add(policy.Window + time.Minute)
	d, err := store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if !d.Allowed {
		t.Error("after window: Allowed = false, want true")
	}
	if d.Count != 1 {
		t.Errorf("after window: Count = %d, want 1", d.Count)
	}
}

func TestInMemoryStore_SlidingWindow(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := testPolicy()

	current := time.Now()
	store.now = func() time.Time { return current }

	// Two hits early in the window.
	for i := 0; i < 2; i++ {
		if _, err := store.Hit(ctx, testKey, policy); err != nil {
			t.Fatalf("Hit() error = %v", err)
		}
	}

	// 59 minutes later the early hits are still inside the hour window.
	current = current.Add(59 * time.Minute)
	d, err := store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if d.Count != 3 {
		t.Errorf("Count = %d, want 3", d.Count)
	}

	// Two more minutes and the early hits age out.
	current = current.Add(2 * time.Minute)
	d, err = store.Hit(ctx, testKey, policy)
	if err != nil {
		t.Fatalf("Hit() error = %v", err)
	}
	if d.Count != 2 {
		t.Errorf("Count = %d, want 2 (early hits expired)", d.Count)
	}
}

func TestInMemoryStore_IndependentKeys(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := testPolicy()

	other := Key{Identifier: "user-2", Type: IdentifierUser, Endpoint: testKey.Endpoint}
	ipKey := Key{Identifier: "203.0.113.9", Type: IdentifierIP, Endpoint: testKey.Endpoint}

	for i := 0; i <= 5; i++ {
		if _, err := store.Hit(ctx, testKey, policy); err != nil {
			t.Fatalf("Hit() error = %v", err)
		}
	}

	for _, k := range []Key{other, ipKey} {
		d, err := store.Hit(ctx, k, policy)
		if err != nil {
			t.Fatalf("Hit() error = %v", err)
		}
		if !d.Allowed {
			t.Errorf("key %v blocked by unrelated key's ceiling", k)
		}
	}
}

func TestInMemoryStore_CaptchaAttempts(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := store.CaptchaFailed(ctx, testKey)
		if err != nil {
			t.Fatalf("CaptchaFailed() error = %v", err)
		}
		if n != i {
			t.Errorf("CaptchaFailed() = %d, want %d", n, i)
		}
	}

	n, err := store.FailedAttempts(ctx, testKey)
	if err != nil {
		t.Fatalf("FailedAttempts() error = %v", err)
	}
	if n != 3 {
		t.Errorf("FailedAttempts() = %d, want 3", n)
	}

	if err := store.CaptchaSolved(ctx, testKey); err != nil {
		t.Fatalf("CaptchaSolved() error = %v", err)
	}
	n, _ = store.FailedAttempts(ctx, testKey)
	if n != 0 {
		t.Errorf("FailedAttempts() after solve = %d, want 0", n)
	}
}

func TestInMemoryStore_Cleanup(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := testPolicy()

	current := time.Now()
	store.now = func() time.Time { return current }

	if _, err := store.Hit(ctx, testKey, policy); err != nil {
		t.Fatalf("Hit() error = %v", err)
	}

	current = current.Add(2 * time.Hour)
	store.Cleanup(time.Hour)

	store.mu.Lock()
	n := len(store.records)
	store.mu.Unlock()
	if n != 0 {
		t.Errorf("records after cleanup = %d, want 0", n)
	}
}
