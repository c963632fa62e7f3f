package kvstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const tempPrefix = ".tmp-"

// CacheEntry is one file of the local cache tier.
type CacheEntry struct {
	Kind      Kind
	Key       string
	Fields    []string
	ExpiresAt time.Time
}

func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache is the per-node file tier. Each entry is a file named
// <kind>-<sha256(key)> holding "expiry:payload".
type Cache struct {
	dir string
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(kind Kind, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, string(kind)+"-"+hex.EncodeToString(sum[:]))
}

// Write replaces the entry for (kind, key). The file is written to a temp
// name and renamed so readers in other processes never see a partial file.
func (c *Cache) Write(kind Kind, key string, fields []string, expiresAt time.Time) error {
	if err := checkKey(key); err != nil {
		return err
	}
	content := strconv.FormatInt(expiresAt.Unix(), 10) + delimiter + encodeBody(kind, key, fields)

	tmp, err := os.CreateTemp(c.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmpName, c.path(kind, key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing cache entry: %w", err)
	}
	return nil
}

// Read returns the entry regardless of expiry; callers decide liveness.
// A missing or malformed file reads as absent.
func (c *Cache) Read(kind Kind, key string) (CacheEntry, bool) {
	if checkKey(key) != nil {
		return CacheEntry{}, false
	}
	entry, err := readEntry(c.path(kind, key))
	if err != nil || entry.Kind != kind || entry.Key != key {
		return CacheEntry{}, false
	}
	return entry, true
}

// Remove deletes the entry. Absence is not an error.
func (c *Cache) Remove(kind Kind, key string) error {
	if checkKey(key) != nil {
		return nil
	}
	err := os.Remove(c.path(kind, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Entries lists the parseable entries of kind, or of every kind when kind
// is empty.
func (c *Cache) Entries(kind Kind) ([]CacheEntry, error) {
	names, err := c.files(kind)
	if err != nil {
		return nil, err
	}
	entries := make([]CacheEntry, 0, len(names))
	for _, name := range names {
		entry, err := readEntry(name)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep removes expired entries and returns how many were removed.
// Unparseable files are left in place.
func (c *Cache) Sweep(kind Kind, now time.Time) (int, error) {
	names, err := c.files(kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		entry, err := readEntry(name)
		if err != nil || !entry.Expired(now) {
			continue
		}
		if err := os.Remove(name); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (c *Cache) files(kind Kind) ([]string, error) {
	pattern := "*-*"
	if kind != "" {
		pattern = string(kind) + "-*"
	}
	names, err := filepath.Glob(filepath.Join(c.dir, pattern))
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if !strings.HasPrefix(filepath.Base(name), tempPrefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func readEntry(name string) (CacheEntry, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return CacheEntry{}, err
	}
	content := string(data)
	idx := strings.Index(content, delimiter)
	if idx < 0 {
		return CacheEntry{}, ErrMalformedRecord
	}
	expiry, err := strconv.ParseInt(content[:idx], 10, 64)
	if err != nil {
		return CacheEntry{}, ErrMalformedRecord
	}
	kind, key, fields, err := decodeBody(content[idx+1:])
	if err != nil {
		return CacheEntry{}, err
	}
	return CacheEntry{Kind: kind, Key: key, Fields: fields, ExpiresAt: time.Unix(expiry, 0)}, nil
}
