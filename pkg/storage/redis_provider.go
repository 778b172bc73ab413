package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/tcmartin/chatflow/pkg/engine"
)

// RedisProvider stores everything as JSON values in Redis. Flow versions
// live in per-flow hashes with a list tracking version order; conversations
// and broadcasts are plain keys plus an index set.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every key so one Redis instance can host
	// several deployments.
	KeyPrefix string
}

// NewRedisProvider creates a provider over a new Redis client.
func NewRedisProvider(opts RedisOptions) *RedisProvider {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "chatflow:"
	}
	return &RedisProvider{client: client, prefix: prefix}
}

func (p *RedisProvider) Initialize(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (p *RedisProvider) Close() error { return p.client.Close() }

func (p *RedisProvider) FlowStore() FlowStore { return &redisFlowStore{p} }

func (p *RedisProvider) ConversationStore() ConversationStore { return &redisConversationStore{p} }

func (p *RedisProvider) BroadcastStore() BroadcastStore { return &redisBroadcastStore{p} }

func (p *RedisProvider) key(parts ...string) string {
	key := p.prefix
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

type redisFlowStore struct{ p *RedisProvider }

func (s *redisFlowStore) SaveFlow(ctx context.Context, record FlowRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal flow record: %w", err)
	}

	versionsKey := s.p.key("flow", record.FlowID, "versions")
	exists, err := s.p.client.HExists(ctx, s.p.key("flow", record.FlowID), record.Version).Result()
	if err != nil {
		return err
	}
	pipe := s.p.client.TxPipeline()
	pipe.HSet(ctx, s.p.key("flow", record.FlowID), record.Version, data)
	if !exists {
		pipe.RPush(ctx, versionsKey, record.Version)
	}
	pipe.SAdd(ctx, s.p.key("flows"), record.FlowID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisFlowStore) GetFlow(ctx context.Context, flowID, version string) (FlowRecord, error) {
	if version != "" {
		return s.getVersion(ctx, flowID, version)
	}

	versions, err := s.p.client.LRange(ctx, s.p.key("flow", flowID, "versions"), 0, -1).Result()
	if err != nil {
		return FlowRecord{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		record, err := s.getVersion(ctx, flowID, versions[i])
		if err != nil {
			return FlowRecord{}, err
		}
		if record.Published {
			return record, nil
		}
	}
	return FlowRecord{}, ErrFlowNotFound
}

func (s *redisFlowStore) getVersion(ctx context.Context, flowID, version string) (FlowRecord, error) {
	data, err := s.p.client.HGet(ctx, s.p.key("flow", flowID), version).Result()
	if err == redis.Nil {
		return FlowRecord{}, ErrFlowNotFound
	}
	if err != nil {
		return FlowRecord{}, err
	}
	var record FlowRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return FlowRecord{}, fmt.Errorf("unmarshal flow record: %w", err)
	}
	return record, nil
}

func (s *redisFlowStore) ListFlows(ctx context.Context) ([]FlowRecord, error) {
	ids, err := s.p.client.SMembers(ctx, s.p.key("flows")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FlowRecord, 0, len(ids))
	for _, flowID := range ids {
		versions, err := s.p.client.LRange(ctx, s.p.key("flow", flowID, "versions"), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			continue
		}
		record, err := s.getVersion(ctx, flowID, versions[len(versions)-1])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *redisFlowStore) ListVersions(ctx context.Context, flowID string) ([]FlowRecord, error) {
	versions, err := s.p.client.LRange(ctx, s.p.key("flow", flowID, "versions"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrFlowNotFound
	}
	out := make([]FlowRecord, 0, len(versions))
	for _, version := range versions {
		record, err := s.getVersion(ctx, flowID, version)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *redisFlowStore) DeleteFlow(ctx context.Context, flowID string) error {
	removed, err := s.p.client.SRem(ctx, s.p.key("flows"), flowID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrFlowNotFound
	}
	pipe := s.p.client.TxPipeline()
	pipe.Del(ctx, s.p.key("flow", flowID))
	pipe.Del(ctx, s.p.key("flow", flowID, "versions"))
	_, err = pipe.Exec(ctx)
	return err
}

type redisConversationStore struct{ p *RedisProvider }

func (s *redisConversationStore) GetConversation(ctx context.Context, sessionID string) (*engine.ConversationState, error) {
	data, err := s.p.client.Get(ctx, s.p.key("conversation", sessionID)).Result()
	if err == redis.Nil {
		return nil, engine.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var state engine.ConversationState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	if state.Variables == nil {
		state.Variables = engine.Variables{}
	}
	if state.InputRetries == nil {
		state.InputRetries = map[string]int{}
	}
	return &state, nil
}

func (s *redisConversationStore) SaveConversation(ctx context.Context, state *engine.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	pipe := s.p.client.TxPipeline()
	pipe.Set(ctx, s.p.key("conversation", state.SessionID), data, 0)
	pipe.SAdd(ctx, s.p.key("conversations"), state.SessionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisConversationStore) ListConversations(ctx context.Context) ([]*engine.ConversationState, error) {
	ids, err := s.p.client.SMembers(ctx, s.p.key("conversations")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*engine.ConversationState, 0, len(ids))
	for _, sessionID := range ids {
		state, err := s.GetConversation(ctx, sessionID)
		if err == engine.ErrSessionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *redisConversationStore) DeleteConversation(ctx context.Context, sessionID string) error {
	pipe := s.p.client.TxPipeline()
	pipe.Del(ctx, s.p.key("conversation", sessionID))
	pipe.SRem(ctx, s.p.key("conversations"), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

type redisBroadcastStore struct{ p *RedisProvider }

func (s *redisBroadcastStore) SaveBroadcast(ctx context.Context, broadcast Broadcast) error {
	data, err := json.Marshal(broadcast)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return s.p.client.HSet(ctx, s.p.key("broadcasts"), broadcast.ID, data).Err()
}

func (s *redisBroadcastStore) GetBroadcast(ctx context.Context, id string) (Broadcast, error) {
	data, err := s.p.client.HGet(ctx, s.p.key("broadcasts"), id).Result()
	if err == redis.Nil {
		return Broadcast{}, ErrBroadcastNotFound
	}
	if err != nil {
		return Broadcast{}, err
	}
	var broadcast Broadcast
	if err := json.Unmarshal([]byte(data), &broadcast); err != nil {
		return Broadcast{}, fmt.Errorf("unmarshal broadcast: %w", err)
	}
	return broadcast, nil
}

func (s *redisBroadcastStore) ListBroadcasts(ctx context.Context) ([]Broadcast, error) {
	values, err := s.p.client.HGetAll(ctx, s.p.key("broadcasts")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Broadcast, 0, len(values))
	for _, data := range values {
		var broadcast Broadcast
		if err := json.Unmarshal([]byte(data), &broadcast); err != nil {
			return nil, fmt.Errorf("unmarshal broadcast: %w", err)
		}
		out = append(out, broadcast)
	}
	return out, nil
}

func (s *redisBroadcastStore) DeleteBroadcast(ctx context.Context, id string) error {
	removed, err := s.p.client.HDel(ctx, s.p.key("broadcasts"), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrBroadcastNotFound
	}
	return nil
}
