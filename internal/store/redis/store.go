package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLockTTL bounds how long a crashed rollout can block the next one
	DefaultLockTTL = 30 * time.Minute
	// DefaultHistoryLimit is the number of rollouts kept per service
	DefaultHistoryLimit = 50
)

// ErrLockHeld is returned when another rollout owns the service lock
var ErrLockHeld = errors.New("deploy lock is held by another rollout")

// releaseScript deletes the lock only when it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Record is one finished rollout
type Record struct {
	ID         string        `json:"id"`
	Service    string        `json:"service"`
	Outcome    string        `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Unmet      []string      `json:"unmet,omitempty"`
	Forced     bool          `json:"forced,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Store handles Redis operations for deploy locks and rollout history
type Store struct {
	client       redis.UniversalClient
	historyLimit int
}

// NewStore creates a new Redis store. historyLimit <= 0 uses DefaultHistoryLimit
func NewStore(client redis.UniversalClient, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{client: client, historyLimit: historyLimit}
}

// Lock takes the deploy lock of service for owner. It fails with ErrLockHeld
// (wrapped with the current holder) when someone else has it
func (s *Store) Lock(ctx context.Context, service, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := s.client.SetNX(ctx, LockKey(service), owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire deploy lock: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := s.client.Get(ctx, LockKey(service)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w (holder unknown: %v)", ErrLockHeld, err)
	}
	return fmt.Errorf("%w (holder %s)", ErrLockHeld, holder)
}

// Unlock releases the lock if owner still holds it. Releasing a lock that
// expired or moved on is not an error
func (s *Store) Unlock(ctx context.Context, service, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{LockKey(service)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release deploy lock: %w", err)
	}
	return nil
}

// Holder returns the current lock owner of service, or "" when unlocked
func (s *Store) Holder(ctx context.Context, service string) (string, error) {
	owner, err := s.client.Get(ctx, LockKey(service)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read deploy lock: %w", err)
	}
	return owner, nil
}

// AppendHistory pushes rec to the front of the service history and trims the
// list to the configured limit
func (s *Store) AppendHistory(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout record: %w", err)
	}

	key := HistoryKey(rec.Service)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.historyLimit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append rollout history: %w", err)
	}
	return nil
}

// History returns up to n most recent rollouts of service, newest first
func (s *Store) History(ctx context.Context, service string, n int) ([]Record, error) {
	if n <= 0 {
		n = s.historyLimit
	}
	raw, err := s.client.LRange(ctx, HistoryKey(service), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rollout history: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// skip corrupted entries
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
