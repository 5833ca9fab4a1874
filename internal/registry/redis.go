package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// History keeps the most recent connectionHistoryLimit events.
const connectionHistoryLimit = 100

// RedisRegistry implements Registry on a Redis store.
//
// Key layout:
//
//	kiosk:{id}:info               hash: id, name, enabled, created_at
//	kiosk:{id}:token              stored credential
//	kiosk:{id}:status             online | offline
//	kiosk:{id}:connection_status  online | stale (absent when offline)
//	kiosk:{id}:connected_at       unix seconds, present while online
//	all_kiosks                    set of registered ids
//	active_kiosks                 set of online ids
//	connection_history            zset scored by timestamp, trimmed to 100
//	stats:requests_total          counter
//	stats:errors_total            counter
//	stats:latency_sum             float accumulator
//	stats:latency_count           counter
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func infoKey(id string) string     { return "kiosk:" + id + ":info" }
func tokenKey(id string) string    { return "kiosk:" + id + ":token" }
func statusKey(id string) string   { return "kiosk:" + id + ":status" }
func connKey(id string) string     { return "kiosk:" + id + ":connection_status" }
func connectedAt(id string) string { return "kiosk:" + id + ":connected_at" }

func (r *RedisRegistry) CreateKiosk(ctx context.Context, id, credential, name string) error {
	if name == "" {
		name = id
	}
	info := map[string]any{
		"id":         id,
		"name":       name,
		"enabled":    "true",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, infoKey(id), info)
	pipe.Set(ctx, tokenKey(id), credential, 0)
	pipe.Set(ctx, statusKey(id), StatusOffline, 0)
	pipe.SAdd(ctx, "all_kiosks", id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create kiosk %s: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) DeleteKiosk(ctx context.Context, id string) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, infoKey(id), tokenKey(id), statusKey(id), connKey(id), connectedAt(id))
	pipe.SRem(ctx, "active_kiosks", id)
	pipe.SRem(ctx, "all_kiosks", id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete kiosk %s: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) EnableKiosk(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, "true")
}

func (r *RedisRegistry) DisableKiosk(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, "false")
}

func (r *RedisRegistry) setEnabled(ctx context.Context, id, value string) error {
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("kiosk %s not found", id)
	}
	return r.rdb.HSet(ctx, infoKey(id), "enabled", value).Err()
}

func (r *RedisRegistry) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, infoKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRegistry) IsEnabled(ctx context.Context, id string) (bool, error) {
	enabled, err := r.rdb.HGet(ctx, infoKey(id), "enabled").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled == "true", nil
}

func (r *RedisRegistry) StoredCredential(ctx context.Context, id string) (string, error) {
	credential, err := r.rdb.Get(ctx, tokenKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return credential, nil
}

func (r *RedisRegistry) UpdateCredential(ctx context.Context, id, credential string) error {
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("kiosk %s not found", id)
	}
	return r.rdb.Set(ctx, tokenKey(id), credential, 0).Err()
}

func (r *RedisRegistry) MarkOnline(ctx context.Context, id string, at time.Time) error {
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, statusKey(id), StatusOnline, 0)
	pipe.Set(ctx, connKey(id), StatusOnline, 0)
	pipe.Set(ctx, connectedAt(id), strconv.FormatFloat(float64(at.UnixNano())/1e9, 'f', -1, 64), 0)
	pipe.SAdd(ctx, "active_kiosks", id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) MarkOffline(ctx context.Context, id string) error {
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, statusKey(id), StatusOffline, 0)
	pipe.Del(ctx, connKey(id), connectedAt(id))
	pipe.SRem(ctx, "active_kiosks", id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) MarkStale(ctx context.Context, id string) error {
	return r.rdb.Set(ctx, connKey(id), StatusStale, 0).Err()
}

func (r *RedisRegistry) AppendConnectionEvent(ctx context.Context, id, event string, at time.Time) error {
	ts := float64(at.UnixNano()) / 1e9
	payload, err := json.Marshal(ConnectionEvent{KioskID: id, Event: event, Timestamp: ts})
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, "connection_history", redis.Z{Score: ts, Member: string(payload)})
	pipe.ZRemRangeByRank(ctx, "connection_history", 0, -int64(connectionHistoryLimit)-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) ConnectionHistory(ctx context.Context, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	members, err := r.rdb.ZRevRange(ctx, "connection_history", 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]ConnectionEvent, 0, len(members))
	for _, m := range members {
		var ev ConnectionEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisRegistry) OnlineKiosks(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, "active_kiosks").Result()
}

func (r *RedisRegistry) AllKiosks(ctx context.Context) ([]Kiosk, error) {
	ids, err := r.rdb.SMembers(ctx, "all_kiosks").Result()
	if err != nil {
		return nil, err
	}
	kiosks := make([]Kiosk, 0, len(ids))
	for _, id := range ids {
		info, err := r.rdb.HGetAll(ctx, infoKey(id)).Result()
		if err != nil || len(info) == 0 {
			continue
		}
		status, _ := r.rdb.Get(ctx, statusKey(id)).Result()
		if status == "" {
			status = StatusOffline
		}
		kiosks = append(kiosks, Kiosk{
			ID:        info["id"],
			Name:      info["name"],
			Enabled:   info["enabled"] == "true",
			Status:    status,
			CreatedAt: info["created_at"],
		})
	}
	return kiosks, nil
}

func (r *RedisRegistry) IncRequests(ctx context.Context) error {
	return r.rdb.Incr(ctx, "stats:requests_total").Err()
}

func (r *RedisRegistry) IncErrors(ctx context.Context) error {
	return r.rdb.Incr(ctx, "stats:errors_total").Err()
}

func (r *RedisRegistry) AddLatencySample(ctx context.Context, seconds float64) error {
	pipe := r.rdb.Pipeline()
	pipe.IncrByFloat(ctx, "stats:latency_sum", seconds)
	pipe.Incr(ctx, "stats:latency_count")
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Stats(ctx context.Context) (Stats, error) {
	pipe := r.rdb.Pipeline()
	requests := pipe.Get(ctx, "stats:requests_total")
	errs := pipe.Get(ctx, "stats:errors_total")
	latencySum := pipe.Get(ctx, "stats:latency_sum")
	latencyCount := pipe.Get(ctx, "stats:latency_count")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, err
	}

	stats := Stats{
		RequestsTotal: parseInt(requests.Val()),
		ErrorsTotal:   parseInt(errs.Val()),
	}
	sum := parseFloat(latencySum.Val())
	count := parseInt(latencyCount.Val())
	if count > 0 {
		stats.AvgLatency = sum / float64(count)
	}
	return stats, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
