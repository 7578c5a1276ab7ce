package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPeriodLocked indicates another process holds the period lock.
var ErrPeriodLocked = errors.New("period is locked by another process")

// PeriodLockKey builds redis keys for payroll period critical sections.
func PeriodLockKey(periodID int64) string {
	return fmt.Sprintf("payroll:period:%d:lock", periodID)
}

// PeriodLocker provides cross-process mutual exclusion per payroll period.
// In-process exclusivity is enforced by the edit-session store; this lock
// covers multiple application instances sharing one Redis.
type PeriodLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPeriodLocker constructs a PeriodLocker with the given lease TTL.
func NewPeriodLocker(client *redis.Client, ttl time.Duration) *PeriodLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PeriodLocker{client: client, ttl: ttl}
}

// Acquire takes the period lock and returns an opaque token required to
// release it. ErrPeriodLocked is returned when the lock is already held.
func (l *PeriodLocker) Acquire(ctx context.Context, periodID int64) (string, error) {
	if l == nil || l.client == nil {
		return "", errors.New("period locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, PeriodLockKey(periodID), token, l.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrPeriodLocked
	}
	return token, nil
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release frees the period lock when token matches the current holder.
func (l *PeriodLocker) Release(ctx context.Context, periodID int64, token string) error {
	if l == nil || l.client == nil {
		return errors.New("period locker not initialised")
	}
	return releaseScript.Run(ctx, l.client, []string{PeriodLockKey(periodID)}, token).Err()
}

// Refresh extends the lease for a long-running session.
func (l *PeriodLocker) Refresh(ctx context.Context, periodID int64, token string) error {
	if l == nil || l.client == nil {
		return errors.New("period locker not initialised")
	}
	current, err := l.client.Get(ctx, PeriodLockKey(periodID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrPeriodLocked
		}
		return err
	}
	if current != token {
		return ErrPeriodLocked
	}
	return l.client.Expire(ctx, PeriodLockKey(periodID), l.ttl).Err()
}
