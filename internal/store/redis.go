package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"fleet-monitor/safety/internal/config"
	"fleet-monitor/safety/internal/domain"
)

const (
	IncidentChannel  = "fleet:incidents"
	IncidentQueueKey = "incidents:queue"
	DecisionQueueKey = "decisions:queue"

	stateTTL    = 10 * time.Minute
	claimTTL    = 24 * time.Hour
	queueMaxLen = 10000
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func stateKey(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:state", vehicleID)
}

// PipelineTransition mirrors the committed state, announces the transition
// and queues it for external consumers in a single round trip.
func (r *RedisStore) PipelineTransition(ctx context.Context, evt domain.StateChangeEvent, state domain.VehicleState) error {
	stateData := map[string]interface{}{
		"vehicle_id": state.VehicleID,
		"sequence":   state.Sequence,
		"first_seen": state.FirstSeen.Unix(),
		"last_seen":  state.LastSeen.Unix(),
	}
	for c, st := range state.Categories {
		stateData[strings.ToLower(string(c))] = string(st.Status)
	}

	pubPayload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	queued, err := msgpack.Marshal(&evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := stateKey(state.VehicleID)
	pipe := r.client.Pipeline()

	pipe.HSet(ctx, key, stateData)
	pipe.Expire(ctx, key, stateTTL)
	pipe.Publish(ctx, IncidentChannel, pubPayload)
	pipe.RPush(ctx, IncidentQueueKey, queued)
	pipe.LTrim(ctx, IncidentQueueKey, -queueMaxLen, -1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// MirroredState reads back the hash written by PipelineTransition.
func (r *RedisStore) MirroredState(ctx context.Context, vehicleID string) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, stateKey(vehicleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	return vals, nil
}

// PopIncident removes the oldest queued transition; ok is false when the
// queue is empty.
func (r *RedisStore) PopIncident(ctx context.Context) (evt domain.StateChangeEvent, ok bool, err error) {
	raw, err := r.client.LPop(ctx, IncidentQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return evt, false, nil
	}
	if err != nil {
		return evt, false, fmt.Errorf("redis lpop failed: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &evt); err != nil {
		return evt, false, fmt.Errorf("failed to decode queued event: %w", err)
	}
	return evt, true, nil
}

func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("vehicle:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

func (r *RedisStore) SetAPIKey(ctx context.Context, apiKey, owner string) error {
	key := fmt.Sprintf("vehicle:auth:%s", apiKey)
	return r.client.Set(ctx, key, owner, 0).Err()
}

// ClaimDecision reports whether this caller is the first to act on eventID.
func (r *RedisStore) ClaimDecision(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf("decision:claim:%s", eventID)
	ok, err := r.client.SetNX(ctx, key, "1", claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("decision claim failed: %w", err)
	}
	return ok, nil
}

// PushDecision queues a decided incident for actuator consumers.
func (r *RedisStore) PushDecision(ctx context.Context, rec domain.DecisionRecord) error {
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, DecisionQueueKey, payload)
	pipe.LTrim(ctx, DecisionQueueKey, -queueMaxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis push decision failed: %w", err)
	}
	return nil
}

func (r *RedisStore) PopDecision(ctx context.Context) (rec domain.DecisionRecord, ok bool, err error) {
	raw, err := r.client.LPop(ctx, DecisionQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("redis lpop failed: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("failed to decode queued decision: %w", err)
	}
	return rec, true, nil
}
