// Package session implements the Redis-backed session store for the bridge.
//
// Every piece of cross-call state (credentials, cached tool inputs and
// outputs) lives in a single Redis key per session with a sliding idle TTL.
// Workers share nothing else, so the service stays stateless across restarts
// and replicas.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"insightbridge/internal/logging"
)

// Record is the JSON object stored per session. Reserved keys:
// apiUrl, jwtToken (credentials), session_id, created_at, last_accessed.
type Record = map[string]interface{}

// Store provides sliding-expiration session records on top of Redis.
// Every operation is a single round-trip or an atomic GET+SETEX pair;
// concurrent updates are last-writer-wins.
type Store struct {
	rdb     *redis.Client
	idleTTL time.Duration
	prefix  string
}

// NewStore connects the store and verifies the Redis backend is reachable.
func NewStore(ctx context.Context, rdb *redis.Client, idleTTL time.Duration, keyPrefix string) (*Store, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{
		rdb:     rdb,
		idleTTL: idleTTL,
		prefix:  keyPrefix,
	}, nil
}

// IdleTTL returns the configured sliding TTL.
func (s *Store) IdleTTL() time.Duration {
	return s.idleTTL
}

// Create stores a new session record, overwriting any prior entry. The record
// is stamped with created_at, last_accessed and session_id before writing.
func (s *Store) Create(ctx context.Context, sessionID string, data Record) bool {
	now := time.Now().UTC().Format(time.RFC3339)
	record := Record{}
	for k, v := range data {
		record[k] = v
	}
	record["created_at"] = now
	record["last_accessed"] = now
	record["session_id"] = sessionID

	payload, err := json.Marshal(record)
	if err != nil {
		logging.Error("session %s: cannot serialize record: %v", sessionID, err)
		return false
	}

	if err := s.rdb.SetEx(ctx, s.key(sessionID), payload, s.idleTTL).Err(); err != nil {
		logging.Error("session %s: create failed: %v", sessionID, err)
		return false
	}
	logging.Debug("session %s: created with idle TTL %s", sessionID, s.idleTTL)
	return true
}

// Get returns the session record and resets the idle TTL. This is what keeps
// active sessions alive. Returns nil if the session is missing or expired.
// A record that no longer parses is deleted and treated as missing.
func (s *Store) Get(ctx context.Context, sessionID string) Record {
	key := s.key(sessionID)

	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		logging.Debug("session %s: not found or expired", sessionID)
		return nil
	}
	if err != nil {
		logging.Error("session %s: read failed: %v", sessionID, err)
		return nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		logging.Error("session %s: corrupt record, deleting: %v", sessionID, err)
		s.rdb.Del(ctx, key)
		return nil
	}

	record["last_accessed"] = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(record)
	if err != nil {
		logging.Error("session %s: cannot re-serialize record: %v", sessionID, err)
		return record
	}

	// Write the record back with a full TTL so any successful access slides
	// the expiration window.
	if err := s.rdb.SetEx(ctx, key, payload, s.idleTTL).Err(); err != nil {
		logging.Error("session %s: TTL refresh failed: %v", sessionID, err)
	}
	return record
}

// Update merges updates into the current record (shallow, last-writer-wins)
// and refreshes the TTL. Fails if the session does not exist.
func (s *Store) Update(ctx context.Context, sessionID string, updates Record) bool {
	record := s.Get(ctx, sessionID)
	if record == nil {
		logging.Debug("session %s: cannot update missing session", sessionID)
		return false
	}

	for k, v := range updates {
		record[k] = v
	}
	record["last_accessed"] = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(record)
	if err != nil {
		logging.Error("session %s: cannot serialize updated record: %v", sessionID, err)
		return false
	}
	if err := s.rdb.SetEx(ctx, s.key(sessionID), payload, s.idleTTL).Err(); err != nil {
		logging.Error("session %s: update failed: %v", sessionID, err)
		return false
	}
	return true
}

// Touch resets the TTL without rewriting the record. Returns false if the
// session does not exist.
func (s *Store) Touch(ctx context.Context, sessionID string) bool {
	ok, err := s.rdb.Expire(ctx, s.key(sessionID), s.idleTTL).Result()
	if err != nil {
		logging.Error("session %s: touch failed: %v", sessionID, err)
		return false
	}
	return ok
}

// Delete removes the session record.
func (s *Store) Delete(ctx context.Context, sessionID string) bool {
	n, err := s.rdb.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		logging.Error("session %s: delete failed: %v", sessionID, err)
		return false
	}
	return n > 0
}

// Exists reports whether the session is present. Unlike Get and Touch this
// does NOT refresh the TTL.
func (s *Store) Exists(ctx context.Context, sessionID string) bool {
	n, err := s.rdb.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		logging.Error("session %s: existence check failed: %v", sessionID, err)
		return false
	}
	return n > 0
}

// TTL returns the remaining TTL in whole seconds, for debugging and
// monitoring. Redis semantics apply: -1 means no expiration, -2 means the
// key does not exist.
func (s *Store) TTL(ctx context.Context, sessionID string) int {
	d, err := s.rdb.TTL(ctx, s.key(sessionID)).Result()
	if err != nil {
		logging.Error("session %s: TTL lookup failed: %v", sessionID, err)
		return -2
	}
	// go-redis surfaces the -1/-2 sentinels as -1s/-2s durations.
	return int(d.Seconds())
}

// ActiveSessionIDs scans Redis for every live session id under the configured
// prefix. Used by the orphan reaper to decide which sub-processes still have
// an owner.
func (s *Store) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("session key scan failed: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, s.prefix+":"))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// Stats returns session counts for the health/monitoring surface.
func (s *Store) Stats(ctx context.Context) map[string]interface{} {
	ids, err := s.ActiveSessionIDs(ctx)
	if err != nil {
		logging.Error("session stats failed: %v", err)
		return map[string]interface{}{"redis_sessions": 0}
	}
	return map[string]interface{}{"redis_sessions": len(ids)}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}
