// Package store defines the commit-store interface the sync engine
// consumes (SPEC_FULL.md §6) plus a TTL-windowed in-memory reference
// implementation used by tests, demos, and synctl.
package store

import (
	"context"

	"github.com/axonops/syncd/internal/commit"
)

// PutResult reports the outcome of PutCommit.
type PutResult int

const (
	// Inserted means the commit was new to the repo.
	Inserted PutResult = iota
	// Duplicate means the commit's ID already existed in the repo.
	Duplicate
)

func (r PutResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "inserted"
}

// Store is the commit store surface the sync engine is built against.
// Transport and durability are owned by the caller; the engine only ever
// scans, checks membership, and inserts within a named repo.
type Store interface {
	// Scan returns every (id, commit) currently live in repoID. Order is
	// unspecified; callers needing determinism should sort by ID.
	Scan(ctx context.Context, repoID string) ([]commit.Commit, error)
	// HasCommit reports whether id is present (and unexpired) in repoID.
	HasCommit(ctx context.Context, repoID string, id string) bool
	// PutCommit inserts c into repoID, reporting whether it was new.
	PutCommit(ctx context.Context, repoID string, c commit.Commit) (PutResult, error)
	// OrgID is the organization scope this store instance serves.
	OrgID() string
}
