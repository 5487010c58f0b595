package quota

import (
	"context"
	"testing"
	"time"
)

func TestHashActorIsStableAndCaseInsensitive(t *testing.T) {
	first := HashActor("User@Example.com")
	second := HashActor("  user@example.com ")
	if first != second {
		t.Fatalf("expected identical hashes, got %q and %q", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
	if first == HashActor("other@example.com") {
		t.Fatalf("expected distinct actors to hash differently")
	}
}

func TestConsumeWindowAcceptsWithinLimit(t *testing.T) {
	service, _ := newTestQuotaService(t, fixedClock(1700000000))
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		decision, err := service.ConsumeWindow(ctx, "magic_link_email", HashActor("a@example.com"), time.Hour, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.OK {
			t.Fatalf("expected attempt %d inside the limit to pass", attempt)
		}
		if decision.RetryAfterSeconds != 0 {
			t.Fatalf("expected no retry hint on acceptance, got %d", decision.RetryAfterSeconds)
		}
	}
}

func TestConsumeWindowRejectsWithRetryHint(t *testing.T) {
	// 1700000000 is 2000s into its hour-long window (window start 1699999200).
	now := int64(1700000000)
	service, _ := newTestQuotaService(t, fixedClock(now))
	ctx := context.Background()

	decision, err := service.ConsumeWindow(ctx, "magic_link_email", HashActor("a@example.com"), time.Hour, 1)
	if err != nil || !decision.OK {
		t.Fatalf("expected first request to pass, decision=%+v err=%v", decision, err)
	}

	decision, err = service.ConsumeWindow(ctx, "magic_link_email", HashActor("a@example.com"), time.Hour, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.OK {
		t.Fatalf("expected second request to be rejected")
	}
	windowStart := (now / 3600) * 3600
	expectedRetry := windowStart + 3600 - now
	if decision.RetryAfterSeconds != expectedRetry {
		t.Fatalf("expected retry hint %d, got %d", expectedRetry, decision.RetryAfterSeconds)
	}
}

func TestConsumeWindowKeepsFamiliesApart(t *testing.T) {
	service, _ := newTestQuotaService(t, fixedClock(1700000000))
	ctx := context.Background()
	actor := HashActor("a@example.com")

	decision, err := service.ConsumeWindow(ctx, "magic_link_email", actor, time.Hour, 1)
	if err != nil || !decision.OK {
		t.Fatalf("expected email family to accept, decision=%+v err=%v", decision, err)
	}
	decision, err = service.ConsumeWindow(ctx, "magic_link_ip", actor, time.Hour, 1)
	if err != nil || !decision.OK {
		t.Fatalf("expected ip family to have its own budget, decision=%+v err=%v", decision, err)
	}
}

func TestCooldownRemaining(t *testing.T) {
	service, _ := newTestQuotaService(t, fixedClock(1700000100))

	cases := []struct {
		name         string
		lastIssuedAt int64
		cooldown     time.Duration
		want         int64
	}{
		{name: "never issued", lastIssuedAt: 0, cooldown: time.Minute, want: 0},
		{name: "inside cooldown", lastIssuedAt: 1700000080, cooldown: time.Minute, want: 40},
		{name: "boundary", lastIssuedAt: 1700000040, cooldown: time.Minute, want: 0},
		{name: "long past", lastIssuedAt: 1690000000, cooldown: time.Minute, want: 0},
	}
	for _, testCase := range cases {
		got := service.CooldownRemaining(testCase.lastIssuedAt, testCase.cooldown)
		if got != testCase.want {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.want, got)
		}
	}
}
