package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/axonops/syncd/internal/commit"
)

// repoEntry pairs a commit with the repo it lives in, so a single cache
// keyed by (repo, id) can be scanned back out per-repo.
type repoEntry struct {
	repoID string
	commit commit.Commit
}

// Memory is the reference Store (SPEC_FULL.md §6 EXPANSION): everything
// lives in a jellydator/ttlcache instance windowed by ttl, mirroring the
// mutex-and-map style of the teacher's in-memory storage backend but
// handing expiry bookkeeping to the cache rather than tracking deadlines
// by hand. Not durable — for tests, demos, and synctl fixtures.
type Memory struct {
	orgID string
	cache *ttlcache.Cache[string, repoEntry]
	stop  chan struct{}
}

// NewMemory constructs a Memory store scoped to orgID, expiring commits
// ttl after insertion.
func NewMemory(orgID string, ttl time.Duration) *Memory {
	cache := ttlcache.New[string, repoEntry](
		ttlcache.WithTTL[string, repoEntry](ttl),
		ttlcache.WithDisableTouchOnHit[string, repoEntry](),
	)
	m := &Memory{orgID: orgID, cache: cache, stop: make(chan struct{})}
	go cache.Start()
	return m
}

func wireKey(repoID, id string) string { return repoID + "\x00" + id }

// OrgID implements Store.
func (m *Memory) OrgID() string { return m.orgID }

// HasCommit implements Store.
func (m *Memory) HasCommit(ctx context.Context, repoID string, id string) bool {
	return m.cache.Get(wireKey(repoID, id)) != nil
}

// PutCommit implements Store.
func (m *Memory) PutCommit(ctx context.Context, repoID string, c commit.Commit) (PutResult, error) {
	key := wireKey(repoID, c.ID())
	if m.cache.Get(key) != nil {
		return Duplicate, nil
	}
	m.cache.Set(key, repoEntry{repoID: repoID, commit: c}, ttlcache.DefaultTTL)
	return Inserted, nil
}

// Scan implements Store. A commit whose TTL has lapsed is excluded even
// if the background janitor hasn't evicted it yet.
func (m *Memory) Scan(ctx context.Context, repoID string) ([]commit.Commit, error) {
	now := time.Now()
	var out []commit.Commit
	for _, item := range m.cache.Items() {
		if item.ExpiresAt().Before(now) {
			continue
		}
		e := item.Value()
		if e.repoID != repoID {
			continue
		}
		out = append(out, e.commit)
	}
	return out, nil
}

// Close stops the background eviction goroutine.
func (m *Memory) Close() {
	m.cache.Stop()
	close(m.stop)
}
