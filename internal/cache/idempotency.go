// Package cache replays completed chat responses for repeated
// Idempotency-Key requests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 30 * time.Minute
	// maxPendingTTL bounds how long a claim survives a crashed request.
	maxPendingTTL = 5 * time.Minute
)

// Entry is a stored response. Pending entries mark a request still running.
type Entry struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	Pending     bool   `json:"pending,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// ClaimState is the outcome of Claim.
type ClaimState int

const (
	// ClaimSkipped means no key was given or the cache is off.
	ClaimSkipped ClaimState = iota
	// ClaimAcquired means the caller owns the key and must Set or Abandon it.
	ClaimAcquired
	// ClaimReplay carries the stored response in Claim.Entry.
	ClaimReplay
	// ClaimInFlight means another request holds the key.
	ClaimInFlight
)

// Claim is returned by IdempotencyCache.Claim.
type Claim struct {
	State ClaimState
	Entry Entry
	token []byte
}

// releaseScript deletes a pending claim only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyCache stores successful responses keyed by account and
// client-supplied key. A nil client disables it.
type IdempotencyCache struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyCache{client: client, ttl: ttl, pendingTTL: min(ttl, maxPendingTTL)}
}

// Enabled reports whether responses are cached.
func (c *IdempotencyCache) Enabled() bool {
	return c != nil && c.client != nil
}

// Claim reserves key for accountID with SETNX. When the key is already held
// it reports the stored response or that the first request is still running.
func (c *IdempotencyCache) Claim(ctx context.Context, accountID, key string) (Claim, error) {
	if !c.Enabled() || key == "" {
		return Claim{State: ClaimSkipped}, nil
	}
	token, err := json.Marshal(Entry{Pending: true, Owner: uuid.NewString()})
	if err != nil {
		return Claim{State: ClaimSkipped}, err
	}
	redisKey := c.redisKey(accountID, key)

	for range 2 {
		ok, err := c.client.SetNX(ctx, redisKey, token, c.pendingTTL).Result()
		if err != nil {
			return Claim{State: ClaimSkipped}, fmt.Errorf("idempotency claim: %w", err)
		}
		if ok {
			return Claim{State: ClaimAcquired, token: token}, nil
		}
		entry, found, err := c.lookup(ctx, redisKey)
		if err != nil {
			return Claim{State: ClaimSkipped}, err
		}
		if !found {
			// Expired between SETNX and GET.
			continue
		}
		if entry.Pending {
			return Claim{State: ClaimInFlight}, nil
		}
		return Claim{State: ClaimReplay, Entry: entry}, nil
	}
	return Claim{State: ClaimInFlight}, nil
}

// Get returns a completed response. Pending claims are not returned.
func (c *IdempotencyCache) Get(ctx context.Context, accountID, key string) (Entry, bool) {
	if !c.Enabled() || key == "" {
		return Entry{}, false
	}
	entry, found, err := c.lookup(ctx, c.redisKey(accountID, key))
	if err != nil || !found || entry.Pending {
		return Entry{}, false
	}
	return entry, true
}

// Set stores the final response, replacing any pending claim.
func (c *IdempotencyCache) Set(ctx context.Context, accountID, key string, entry Entry) {
	if !c.Enabled() || key == "" || len(entry.Body) == 0 {
		return
	}
	entry.Pending, entry.Owner = false, ""
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.redisKey(accountID, key), data, c.ttl)
}

// Abandon drops an acquired claim so the key can be retried.
func (c *IdempotencyCache) Abandon(ctx context.Context, accountID, key string, claim Claim) {
	if !c.Enabled() || claim.State != ClaimAcquired {
		return
	}
	releaseScript.Run(ctx, c.client, []string{c.redisKey(accountID, key)}, claim.token)
}

func (c *IdempotencyCache) lookup(ctx context.Context, redisKey string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return entry, true, nil
}

func (c *IdempotencyCache) redisKey(accountID, key string) string {
	return "idem:" + accountID + ":" + key
}
