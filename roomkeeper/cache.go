package roomkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lmittmann/tint"
)

const (
	cacheKeyRoomPrefix  = "roomkeeper:room:"
	cacheKeyLobbyPrefix = "roomkeeper:lobby:"
)

// RegistryCache is an optional redis read-through cache in front of the
// room registry. A nil *RegistryCache is valid and does nothing - the
// registry behaves identically without it, just with every read hitting
// the database.
//
// Cache misses and redis errors are never surfaced to callers; the
// worst case is a DB read.
type RegistryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRegistryCache connects to redis and verifies the connection.
// Returns an error if redis is configured but unreachable.
func NewRegistryCache(
	ctx context.Context,
	cfg *RedisConfig,
	logger *slog.Logger,
) (*RegistryCache, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(
		&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
	)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return &RegistryCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With(loggerNameKey, "registry_cache"),
	}, nil
}

func (c *RegistryCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RegistryCache) GetRoom(ctx context.Context, channelID string) *Room {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, cacheKeyRoomPrefix+channelID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "redis get failed", tint.Err(err))
		}
		return nil
	}
	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		c.logger.WarnContext(ctx, "bad cached room payload", tint.Err(err))
		return nil
	}
	return &room
}

func (c *RegistryCache) SetRoom(ctx context.Context, room *Room) {
	if c == nil || room == nil {
		return
	}
	data, err := json.Marshal(room)
	if err != nil {
		return
	}
	if err := c.client.Set(
		ctx, cacheKeyRoomPrefix+room.ChannelID, data, c.ttl,
	).Err(); err != nil {
		c.logger.WarnContext(ctx, "redis set failed", tint.Err(err))
	}
}

func (c *RegistryCache) DeleteRoom(ctx context.Context, channelID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKeyRoomPrefix+channelID).Err(); err != nil {
		c.logger.WarnContext(ctx, "redis del failed", tint.Err(err))
	}
}

func (c *RegistryCache) GetLobbyConfig(
	ctx context.Context,
	guildID string,
) *LobbyConfig {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, cacheKeyLobbyPrefix+guildID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "redis get failed", tint.Err(err))
		}
		return nil
	}
	var cfg LobbyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		c.logger.WarnContext(ctx, "bad cached lobby config payload", tint.Err(err))
		return nil
	}
	return &cfg
}

func (c *RegistryCache) SetLobbyConfig(ctx context.Context, cfg *LobbyConfig) {
	if c == nil || cfg == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := c.client.Set(
		ctx, cacheKeyLobbyPrefix+cfg.GuildID, data, c.ttl,
	).Err(); err != nil {
		c.logger.WarnContext(ctx, "redis set failed", tint.Err(err))
	}
}
