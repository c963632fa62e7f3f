package kvstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ldapconsole/api/pkg/logger"
)

// Durable is the shared tier: one multivalued attribute every node can see.
// Remove must treat already-absent values as success.
type Durable interface {
	Values(ctx context.Context) ([]string, error)
	Add(ctx context.Context, value string) error
	Remove(ctx context.Context, values ...string) error
}

// Store is the two-tier facade. The cache tier is authoritative for reads
// on this node; the durable tier lets other nodes see the same records.
// Durable failures are logged and never fail an operation.
//
// Concurrent read-modify-write of the same logical key from different
// nodes is not serialized. The last writer wins.
type Store struct {
	Cache   *Cache
	Durable Durable
	Now     func() time.Time
}

// NewStore builds a Store. durable may be nil when the shared tier is
// disabled, in which case every operation is cache-only.
func NewStore(cache *Cache, durable Durable) *Store {
	return &Store{Cache: cache, Durable: durable, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Put replaces any record for (kind, key) with a new one expiring ttl from now.
func (s *Store) Put(ctx context.Context, kind Kind, key string, fields []string, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	rec := Record{Kind: kind, Key: key, Fields: fields, ExpiresAt: s.now().Add(ttl)}
	if err := s.Cache.Write(kind, key, fields, rec.ExpiresAt); err != nil {
		return fmt.Errorf("writing %s record: %w", kind, err)
	}

	if s.Durable != nil {
		s.removeDurable(ctx, kind, func(r Record) bool { return r.Key == key })
		if err := s.Durable.Add(ctx, rec.Encode()); err != nil {
			logger.Warn("kv_durable_add_failed", map[string]interface{}{
				"kind":  string(kind),
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Get returns the live record for (kind, key). Expired records read as
// absent and are removed opportunistically. A durable hit refreshes the
// local cache.
func (s *Store) Get(ctx context.Context, kind Kind, key string) (Record, bool) {
	if checkKey(key) != nil {
		return Record{}, false
	}
	now := s.now()

	if entry, ok := s.Cache.Read(kind, key); ok {
		if !entry.Expired(now) {
			return Record{Kind: kind, Key: key, Fields: entry.Fields, ExpiresAt: entry.ExpiresAt}, true
		}
		s.Cache.Remove(kind, key)
	}

	if s.Durable == nil {
		return Record{}, false
	}
	values, err := s.Durable.Values(ctx)
	if err != nil {
		logger.Warn("kv_durable_read_failed", map[string]interface{}{
			"kind":  string(kind),
			"error": err.Error(),
		})
		return Record{}, false
	}

	var (
		found   Record
		ok      bool
		expired []string
	)
	for _, v := range values {
		rec, err := ParseRecord(v)
		if err != nil || rec.Kind != kind || rec.Key != key {
			continue
		}
		if rec.Expired(now) {
			expired = append(expired, v)
			continue
		}
		if !ok {
			found, ok = rec, true
		}
	}
	if len(expired) > 0 {
		s.removeValues(ctx, kind, expired)
	}
	if ok {
		if err := s.Cache.Write(kind, key, found.Fields, found.ExpiresAt); err != nil {
			logger.Warn("kv_cache_refresh_failed", map[string]interface{}{
				"kind":  string(kind),
				"error": err.Error(),
			})
		}
	}
	return found, ok
}

// Delete removes every record of kind whose key matches pattern on both
// tiers. Patterns use path.Match syntax; a plain key deletes exactly that
// key. Deleting something absent is not an error.
func (s *Store) Delete(ctx context.Context, kind Kind, pattern string) error {
	if err := checkKey(pattern); err != nil {
		return err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}
	match := func(key string) bool {
		ok, _ := path.Match(pattern, key)
		return ok
	}

	if isPattern(pattern) {
		entries, err := s.Cache.Entries(kind)
		if err != nil {
			return fmt.Errorf("listing %s cache entries: %w", kind, err)
		}
		for _, e := range entries {
			if e.Kind == kind && match(e.Key) {
				if err := s.Cache.Remove(kind, e.Key); err != nil {
					return err
				}
			}
		}
	} else if err := s.Cache.Remove(kind, pattern); err != nil {
		return err
	}

	if s.Durable != nil {
		s.removeDurable(ctx, kind, func(r Record) bool { return match(r.Key) })
	}
	return nil
}

// Sweep deletes expired records of kind, or of every kind when kind is
// empty, from both tiers. It returns the number of entries removed.
// Malformed durable values are left alone.
func (s *Store) Sweep(ctx context.Context, kind Kind) (int, error) {
	now := s.now()
	removed, err := s.Cache.Sweep(kind, now)
	if err != nil {
		return removed, fmt.Errorf("sweeping cache: %w", err)
	}
	if s.Durable != nil {
		removed += s.removeDurable(ctx, kind, func(r Record) bool { return r.Expired(now) })
	}
	return removed, nil
}

// List returns the live durable records of kind, falling back to the cache
// tier when the shared tier is disabled or unreachable.
func (s *Store) List(ctx context.Context, kind Kind) []Record {
	now := s.now()
	if s.Durable != nil {
		values, err := s.Durable.Values(ctx)
		if err == nil {
			var out []Record
			for _, v := range values {
				rec, err := ParseRecord(v)
				if err != nil || rec.Kind != kind || rec.Expired(now) {
					continue
				}
				out = append(out, rec)
			}
			return out
		}
		logger.Warn("kv_durable_read_failed", map[string]interface{}{
			"kind":  string(kind),
			"error": err.Error(),
		})
	}

	entries, err := s.Cache.Entries(kind)
	if err != nil {
		return nil
	}
	var out []Record
	for _, e := range entries {
		if e.Kind == kind && !e.Expired(now) {
			out = append(out, Record{Kind: e.Kind, Key: e.Key, Fields: e.Fields, ExpiresAt: e.ExpiresAt})
		}
	}
	return out
}

func (s *Store) removeDurable(ctx context.Context, kind Kind, match func(Record) bool) int {
	values, err := s.Durable.Values(ctx)
	if err != nil {
		logger.Warn("kv_durable_read_failed", map[string]interface{}{
			"kind":  string(kind),
			"error": err.Error(),
		})
		return 0
	}
	var doomed []string
	for _, v := range values {
		rec, err := ParseRecord(v)
		if err != nil {
			continue
		}
		if (kind == "" || rec.Kind == kind) && match(rec) {
			doomed = append(doomed, v)
		}
	}
	if len(doomed) == 0 {
		return 0
	}
	if !s.removeValues(ctx, kind, doomed) {
		return 0
	}
	return len(doomed)
}

func (s *Store) removeValues(ctx context.Context, kind Kind, values []string) bool {
	if err := s.Durable.Remove(ctx, values...); err != nil {
		logger.Warn("kv_durable_remove_failed", map[string]interface{}{
			"kind":  string(kind),
			"count": len(values),
			"error": err.Error(),
		})
		return false
	}
	return true
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
