// Package publish mirrors supervisor events into Redis for external
// dashboards: per-vehicle state hashes, a capped alert list and pub/sub
// channels.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"emissionguard/internal/config"
	"emissionguard/internal/model"
)

const (
	stateTTL      = 10 * time.Minute
	alertListSize = 5
)

type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisPublisher(client, cfg.ChannelPrefix), nil
}

func newRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "emissionguard"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) Name() string {
	return "redis"
}

func (p *RedisPublisher) stateKey(vehicleID string) string {
	return fmt.Sprintf("%s:vehicle:%s:state", p.prefix, vehicleID)
}

func (p *RedisPublisher) alertsKey(vehicleID string) string {
	return fmt.Sprintf("%s:vehicle:%s:alerts", p.prefix, vehicleID)
}

// Channel returns the pub/sub channel an event kind is published on.
func (p *RedisPublisher) Channel(ev model.Event) string {
	switch ev.Kind {
	case model.EventAlert:
		return p.prefix + ":alerts"
	case model.EventNotice:
		return p.prefix + ":notices"
	default:
		return fmt.Sprintf("%s:vehicle:%s:%s", p.prefix, ev.VehicleID, ev.Kind)
	}
}

// stateFields is the hash written for every event of a vehicle.
func stateFields(ev model.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"vehicle_id": ev.VehicleID,
		"connected":  ev.Connected,
		"error":      ev.Error,
		"updated_at": ev.At.Unix(),
	}
	if ev.Reading != nil {
		fields["co"] = ev.Reading.CO
		fields["co2"] = ev.Reading.CO2
		fields["source"] = string(ev.Reading.Source)
		fields["timestamp"] = ev.Reading.Timestamp.Unix()
	}
	return fields
}

func (p *RedisPublisher) Handle(ctx context.Context, ev model.Event) error {
	if ev.Kind == model.EventWindow || ev.VehicleID == "" {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	stateKey := p.stateKey(ev.VehicleID)

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, stateKey, stateFields(ev))
	pipe.Expire(ctx, stateKey, stateTTL)
	if ev.Kind == model.EventAlert && ev.Alert != nil {
		alertPayload, err := json.Marshal(ev.Alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		alertsKey := p.alertsKey(ev.VehicleID)
		pipe.LPush(ctx, alertsKey, alertPayload)
		pipe.LTrim(ctx, alertsKey, 0, alertListSize-1)
		pipe.Expire(ctx, alertsKey, stateTTL)
	}
	pipe.Publish(ctx, p.Channel(ev), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}
