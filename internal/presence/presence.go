// Package presence implements the PresenceRegistry (C7): live participant
// records, LRU color assignment from a fixed palette, and TTL-based stale
// reclamation. It is grounded in boardcache's Redis record+set idiom (a
// JSON-encoded string record per key plus a membership set; same
// go-redis/v9 client, same TxPipelined atomicity for the two-key write) but
// keyed by connection id rather than task id, since presence is inherently
// per-connection and has no durable-storage counterpart (spec §3, §4.7).
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

const defaultTTL = 2 * time.Hour

// Palette is the 6-color rotation assigned least-recently-used across
// active participants (spec §4.7).
var Palette = [6]string{
	"#e07a5f", "#3d405b", "#81b29a", "#f2cc8f", "#5c80bc", "#c9184a",
}

const activeSetKey = "presence:active"

func recordKey(connID string) string { return "presence:" + connID }

// Registry is the PresenceRegistry.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb, ttl: defaultTTL}
}

func (r *Registry) WithTTL(ttl time.Duration) *Registry {
	r.ttl = ttl
	return r
}

// Connect registers a new participant, assigning the least-used color in
// the palette (spec §4.7).
func (r *Registry) Connect(ctx context.Context, connID, displayName string) (domain.UserPresence, error) {
	active, err := r.listActiveRaw(ctx)
	if err != nil {
		return domain.UserPresence{}, fmt.Errorf("presence: list active for connect: %w", err)
	}

	counts := make(map[string]int, len(Palette))
	for _, c := range Palette {
		counts[c] = 0
	}
	for _, p := range active {
		counts[p.Color]++
	}

	color := Palette[0]
	best := counts[color]
	for _, c := range Palette {
		if counts[c] < best {
			color = c
			best = counts[c]
		}
	}

	now := time.Now().UTC()
	presence := domain.UserPresence{
		UserID:      connID,
		DisplayName: displayName,
		Color:       color,
		ConnectedAt: now,
		LastSeenAt:  now,
	}

	if err := r.put(ctx, presence); err != nil {
		return domain.UserPresence{}, err
	}
	return presence, nil
}

// UpdateStatus refreshes LastSeenAt and the optional editing focus,
// resetting the TTL (spec §4.7: "refreshes TTL on activity").
func (r *Registry) UpdateStatus(ctx context.Context, connID string, editingTaskID string) (domain.UserPresence, error) {
	p, ok, err := r.get(ctx, connID)
	if err != nil {
		return domain.UserPresence{}, fmt.Errorf("presence: get for status update: %w", err)
	}
	if !ok {
		return domain.UserPresence{}, domain.ErrNotFound
	}
	p.LastSeenAt = time.Now().UTC()
	p.EditingTaskID = editingTaskID
	if err := r.put(ctx, p); err != nil {
		return domain.UserPresence{}, err
	}
	return p, nil
}

// Disconnect removes a participant immediately (spec §4.7: "on explicit
// disconnect, removes immediately").
func (r *Registry) Disconnect(ctx context.Context, connID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(connID))
		pipe.SRem(ctx, activeSetKey, connID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: disconnect %s: %w", connID, err)
	}
	return nil
}

// ListActive returns all live participants. Per spec §4.7, any member of
// the active set whose record is missing (TTL-expired without clean
// teardown) is pruned as a side effect of the call — self-healing.
func (r *Registry) ListActive(ctx context.Context) ([]domain.UserPresence, error) {
	return r.listActiveRaw(ctx)
}

func (r *Registry) listActiveRaw(ctx context.Context) ([]domain.UserPresence, error) {
	ids, err := r.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: smembers active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: mget records: %w", err)
	}

	var stale []string
	out := make([]domain.UserPresence, 0, len(ids))
	for i, v := range values {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		var p domain.UserPresence
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, p)
	}

	if len(stale) > 0 {
		r.rdb.SRem(ctx, activeSetKey, toInterfaceSlice(stale)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

func (r *Registry) get(ctx context.Context, connID string) (domain.UserPresence, bool, error) {
	data, err := r.rdb.Get(ctx, recordKey(connID)).Result()
	if err == redis.Nil {
		return domain.UserPresence{}, false, nil
	}
	if err != nil {
		return domain.UserPresence{}, false, err
	}
	var p domain.UserPresence
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return domain.UserPresence{}, false, err
	}
	return p, true, nil
}

func (r *Registry) put(ctx context.Context, p domain.UserPresence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(p.UserID), data, r.ttl)
		pipe.SAdd(ctx, activeSetKey, p.UserID)
		pipe.Expire(ctx, activeSetKey, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: put %s: %w", p.UserID, err)
	}
	return nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
