package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// WindowDecision reports the outcome of a windowed rate-limit check.
type WindowDecision struct {
	OK                bool
	RetryAfterSeconds int64
}

// HashActor derives the stable limiter key for a sensitive actor value such
// as an email address, so raw addresses never appear in counter rows.
func HashActor(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}

// ConsumeWindow buckets time into fixed windows keyed by (family, actor) and
// applies the guarded counter to the current window. On rejection the retry
// hint points at the start of the next window, never below one second.
func (s *Service) ConsumeWindow(ctx context.Context, family, actorKey string, window time.Duration, limit int64) (WindowDecision, error) {
	windowSeconds := int64(window / time.Second)
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	now := s.clock().UTC().Unix()
	windowStart := (now / windowSeconds) * windowSeconds

	limiterKey := family + ":" + actorKey
	accepted, err := s.TryIncrement(ctx, limiterKey, windowStart, limit)
	if err != nil {
		return WindowDecision{}, err
	}
	if accepted {
		return WindowDecision{OK: true}, nil
	}

	retryAfter := windowStart + windowSeconds - now
	if retryAfter < 1 {
		retryAfter = 1
	}
	return WindowDecision{OK: false, RetryAfterSeconds: retryAfter}, nil
}

// CooldownRemaining compares the most recent issuance timestamp against a
// fixed cooldown and returns the seconds left, zero when the action may
// proceed. A zero lastIssuedAt means nothing was ever issued.
func (s *Service) CooldownRemaining(lastIssuedAtSeconds int64, cooldown time.Duration) int64 {
	if lastIssuedAtSeconds <= 0 {
		return 0
	}
	elapsed := s.clock().UTC().Unix() - lastIssuedAtSeconds
	remaining := int64(cooldown/time.Second) - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
