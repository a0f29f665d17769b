/**
 * @description
 * This file implements the two rate-limiting layers of the credit core.
 *
 * The daily quota is the business limit: the count of decrease entries inside
 * the ledger timezone's current midnight-to-midnight window, recomputed from
 * the audit ledger on every call. It is intentionally uncached — concurrent
 * decrements must be visible immediately or racing requests could slip past
 * the quota. The window is an explicit timezone conversion, never server-local
 * arithmetic, because deployment hosts do not share the users' locale.
 *
 * The Redis throttle is an infrastructure guard (per-minute, per-account)
 * applied before any business validation, adapted for distributed deployments.
 * It degrades to a no-op when Redis is not configured.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Distributed counter for the throttle.
 * - internal/domain, internal/store: Ledger access for the quota count.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/advisoryhq/credit-service/internal/domain"
)

// dayWindow returns the [start, end) bounds of the ledger-timezone day
// containing now, expressed in UTC for storage comparison.
func dayWindow(now time.Time, loc *time.Location) (start, end time.Time) {
	local := now.In(loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end = start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// CountDecreasesToday counts consumption decrements in the current ledger-day
// window. Always recomputed from the audit ledger; never cached.
func (s *Service) CountDecreasesToday(ctx context.Context, accountID uuid.UUID) (int64, error) {
	start, end := dayWindow(s.now(), s.loc)
	count, err := s.repo.CountAuditEntriesInWindow(ctx, accountID, domain.AuditKindDecrease, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to count today's decreases: %w", err)
	}
	return count, nil
}

// nextDailyReset returns the start of the next quota window.
func (s *Service) nextDailyReset() time.Time {
	_, end := dayWindow(s.now(), s.loc)
	return end
}

var requestThrottleScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RequestThrottle consumes one slot of a fixed-window limit and reports the
// resulting count plus how long until the window resets.
type RequestThrottle interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfter time.Duration, err error)
}

// RedisRequestThrottle implements distributed request throttling using Redis.
type RedisRequestThrottle struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRequestThrottle creates a throttle with the given key prefix.
func NewRedisRequestThrottle(client redis.UniversalClient, prefix string) *RedisRequestThrottle {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "credit:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRequestThrottle{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Consume increments the window counter for (scope, subject). A nil receiver,
// missing client or non-positive limit disables throttling.
func (r *RedisRequestThrottle) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, time.Duration, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := requestThrottleScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis throttle response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis throttle count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis throttle ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return int(currentCount), retryAfter, nil
}

// consumeDecreaseThrottle applies the per-minute guard on the decrease path.
// Throttle infrastructure failures are logged by the caller and never block
// the business operation.
func (s *Service) consumeDecreaseThrottle(ctx context.Context, accountID uuid.UUID) error {
	if s.throttle == nil || s.decreasePerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.throttle.Consume(ctx, "credit_decrease", accountID.String(), s.decreasePerMinute, time.Minute)
	if err != nil {
		return err
	}
	if count > s.decreasePerMinute {
		return &ThrottledError{RetryAfter: retryAfter}
	}
	return nil
}
