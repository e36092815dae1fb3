package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Lua scripts keep state transitions atomic across the state, failure
// count, and trip timestamp keys.

// allowScript checks if an attempt is allowed, moving open to half-open
// once the cooldown has elapsed.
// Keys: [state_key, tripped_at_key]
// Args: [cooldown_seconds]
// Returns: the effective state as a string.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local cooldown = tonumber(ARGV[1])

if state == 'open' then
    local trippedAt = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])

    if (now - trippedAt) >= cooldown then
        redis.call('SET', KEYS[1], 'half-open')
        return 'half-open'
    end
    return 'open'
end

return state
`)

// recordSuccessScript resets the consecutive-failure count and closes
// the circuit from any state.
// Keys: [state_key, failures_key]
var recordSuccessScript = redis.NewScript(`
redis.call('SET', KEYS[1], 'closed')
redis.call('SET', KEYS[2], '0')
return 'closed'
`)

// recordFailureScript counts a consecutive failure and trips the
// circuit at the threshold; a half-open failure re-opens immediately.
// Keys: [state_key, failures_key, tripped_at_key]
// Args: [failure_threshold]
// Returns: the new state as a string.
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]

local failures = redis.call('INCR', KEYS[2])

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[3], now)
    return 'open'
end

if state == 'closed' and failures >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[3], now)
    return 'open'
end

return state
`)

// RedisCircuitBreaker shares breaker state across instances.
type RedisCircuitBreaker struct {
	client     *redis.Client
	providerID string
	config     Config
	keyPrefix  string
}

func NewRedis(redisURL string, providerID string, cfg Config) (*RedisCircuitBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisWithClient(client, providerID, cfg), nil
}

// NewRedisWithClient shares an existing Redis connection pool.
func NewRedisWithClient(client *redis.Client, providerID string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:     client,
		providerID: providerID,
		config:     cfg,
		keyPrefix:  fmt.Sprintf("cb:%s:", providerID),
	}
}

func (cb *RedisCircuitBreaker) stateKey() string {
	return cb.keyPrefix + "state"
}

func (cb *RedisCircuitBreaker) failuresKey() string {
	return cb.keyPrefix + "failures"
}

func (cb *RedisCircuitBreaker) trippedAtKey() string {
	return cb.keyPrefix + "tripped_at"
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.stateKey(), cb.trippedAtKey()}
	args := []interface{}{int(cb.config.Cooldown.Seconds())}

	result, err := allowScript.Run(ctx, cb.client, keys, args...).Text()
	if err != nil {
		// On Redis error, fail open (allow the attempt).
		return nil
	}

	if result == "open" {
		return domain.ErrCircuitBreakerOpen
	}

	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey()}
	recordSuccessScript.Run(ctx, cb.client, keys)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.trippedAtKey()}
	args := []interface{}{cb.config.FailureThreshold}
	recordFailureScript.Run(ctx, cb.client, keys, args...)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.stateKey()).Result()
	if err != nil {
		return StateClosed
	}

	return parseState(result)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	result, err := cb.client.Get(ctx, cb.failuresKey()).Result()
	if err != nil {
		return 0
	}

	failures, _ := strconv.Atoi(result)
	return failures
}

// Reset forces the breaker closed. For manual intervention and tests.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.stateKey(), "closed", 0)
	pipe.Set(ctx, cb.failuresKey(), "0", 0)
	pipe.Del(ctx, cb.trippedAtKey())
	_, err := pipe.Exec(ctx)
	return err
}

func (cb *RedisCircuitBreaker) Close() error {
	return cb.client.Close()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
