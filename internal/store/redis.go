package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/redis/go-redis/v9"
)

const roomTTL = 24 * time.Hour

// Redis keeps room metadata as JSON under room:<id>, a code:<code> lookup
// key and a room:<id>:peers set.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func roomKey(id string) string { return "room:" + id }
func peersKey(id string) string { return "room:" + id + ":peers" }
func codeKey(code string) string { return "code:" + code }

func (s *Redis) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, roomTTL)
	if room.Code != "" {
		pipe.Set(ctx, codeKey(room.Code), room.ID, roomTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Redis) Room(ctx context.Context, idOrCode string) (*models.RoomMetadata, error) {
	id := idOrCode
	if len(idOrCode) == CodeLength {
		byCode, err := s.client.Get(ctx, codeKey(idOrCode)).Result()
		switch {
		case err == nil:
			id = byCode
		case !errors.Is(err, redis.Nil):
			return nil, err
		}
	}

	data, err := s.client.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return &room, nil
}

func (s *Redis) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	keys := []string{roomKey(room.ID), peersKey(room.ID)}
	if room.Code != "" {
		keys = append(keys, codeKey(room.Code))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Redis) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) RemovePeer(ctx context.Context, roomID, peerID string) error {
	return s.client.SRem(ctx, peersKey(roomID), peerID).Err()
}

func (s *Redis) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	return int(n), err
}
