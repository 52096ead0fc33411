package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"daysync/internal/model"
)

const keyPrefix = "daysync"

// Redis stores timelines as JSON strings, completion keys as sets and tokens
// as plain strings:
//
//	daysync:<user>:timeline:<date>
//	daysync:<user>:done:<date>
//	daysync:<user>:token
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedisURL parses url, connects and pings the server.
func NewRedisURL(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("store: redis driver needs a url")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func timelineKey(userID, date string) string {
	return keyPrefix + ":" + userID + ":timeline:" + date
}

func doneKey(userID, date string) string {
	return keyPrefix + ":" + userID + ":done:" + date
}

func tokenKey(userID string) string {
	return keyPrefix + ":" + userID + ":token"
}

func (r *Redis) LoadTimeline(ctx context.Context, userID, date string) ([]model.TimelineItem, error) {
	if err := checkKey(userID, date); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, timelineKey(userID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []model.TimelineItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	items := []model.TimelineItem{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode timeline %s/%s: %w", userID, date, err)
	}
	return items, nil
}

func (r *Redis) SaveTimeline(ctx context.Context, userID, date string, items []model.TimelineItem) error {
	if err := checkKey(userID, date); err != nil {
		return err
	}
	if items == nil {
		items = []model.TimelineItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, timelineKey(userID, date), data, 0).Err()
}

func (r *Redis) Done(ctx context.Context, userID, date string) (map[string]bool, error) {
	if err := checkKey(userID, date); err != nil {
		return nil, err
	}
	keys, err := r.client.SMembers(ctx, doneKey(userID, date)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out, nil
}

func (r *Redis) MarkDone(ctx context.Context, userID, date, key string) (bool, error) {
	if err := checkKey(userID, date); err != nil {
		return false, err
	}
	n, err := r.client.SAdd(ctx, doneKey(userID, date), key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) UnmarkDone(ctx context.Context, userID, date, key string) (bool, error) {
	if err := checkKey(userID, date); err != nil {
		return false, err
	}
	n, err := r.client.SRem(ctx, doneKey(userID, date), key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) SetToken(ctx context.Context, userID, token string) error {
	if err := checkKey(userID); err != nil {
		return err
	}
	return r.client.Set(ctx, tokenKey(userID), token, 0).Err()
}

func (r *Redis) Token(ctx context.Context, userID string) (string, error) {
	if err := checkKey(userID); err != nil {
		return "", err
	}
	tok, err := r.client.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (r *Redis) ClearToken(ctx context.Context, userID string) error {
	if err := checkKey(userID); err != nil {
		return err
	}
	return r.client.Del(ctx, tokenKey(userID)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
