package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coldcaller-telephony/internal/registry"

	"github.com/redis/go-redis/v9"
)

var _ registry.Store = (*Redis)(nil)

// Redis stores each config as a field of one hash and the active id under its
// own key. Save replaces both inside MULTI/EXEC.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "coldcaller:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (s *Redis) configsKey() string { return s.prefix + "connection_configs" }
func (s *Redis) activeKey() string  { return s.prefix + "active_config_id" }

func (s *Redis) Load(ctx context.Context) (registry.State, error) {
	var (
		all    *redis.MapStringStringCmd
		active *redis.StringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		all = p.HGetAll(ctx, s.configsKey())
		active = p.Get(ctx, s.activeKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return registry.State{}, fmt.Errorf("configstore: redis load: %w", err)
	}

	st := registry.State{Configs: make(map[string]registry.Config)}
	fields, err := all.Result()
	if err != nil {
		return registry.State{}, fmt.Errorf("configstore: redis load configs: %w", err)
	}
	for id, raw := range fields {
		var c registry.Config
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return registry.State{}, fmt.Errorf("configstore: decode %s: %w", id, err)
		}
		st.Configs[id] = c
	}

	id, err := active.Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return registry.State{}, fmt.Errorf("configstore: redis load active: %w", err)
	default:
		st.ActiveID = id
	}
	return st, nil
}

func (s *Redis) Save(ctx context.Context, st registry.State) error {
	fields, err := encodeConfigs(st.Configs)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.configsKey())
		if len(fields) > 0 {
			p.HSet(ctx, s.configsKey(), fields)
		}
		if st.ActiveID == "" {
			p.Del(ctx, s.activeKey())
		} else {
			p.Set(ctx, s.activeKey(), st.ActiveID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("configstore: redis save: %w", err)
	}
	return nil
}

func encodeConfigs(configs map[string]registry.Config) (map[string]any, error) {
	out := make(map[string]any, len(configs))
	for id, c := range configs {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("configstore: encode %s: %w", id, err)
		}
		out[id] = string(b)
	}
	return out, nil
}
