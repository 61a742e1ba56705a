// Package store persists sessions, task chains, task items and history.
//
// Two implementations are provided: Memory for tests and single-process use,
// and SQLite (pure Go, modernc.org/sqlite) for durable deployments. Both
// return apperr.ErrNotFound for missing records and enforce the chain version
// check in CommitChain.
package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

// Store is the persistence collaborator used by the orchestrator.
type Store interface {
	GetSession(ctx context.Context, id string) (*taskchain.Session, error)
	SaveSession(ctx context.Context, s *taskchain.Session) error
	// ExpiredSessions returns open sessions whose ExpiresAt is before now.
	ExpiredSessions(ctx context.Context, now time.Time) ([]*taskchain.Session, error)

	// CreateChain inserts a chain and all of its items atomically.
	CreateChain(ctx context.Context, c *taskchain.Chain, items []*taskchain.Item) error
	GetChain(ctx context.Context, id string) (*taskchain.Chain, error)
	// CommitChain saves items and the chain atomically, provided the stored
	// chain version still equals expectedVersion. A mismatch returns
	// apperr.ErrStateConflict and changes nothing.
	CommitChain(ctx context.Context, c *taskchain.Chain, expectedVersion int64, items ...*taskchain.Item) error

	GetItem(ctx context.Context, id string) (*taskchain.Item, error)
	// ItemsByChain returns the chain's items ordered by step.
	ItemsByChain(ctx context.Context, chainID string) ([]*taskchain.Item, error)
	// ItemsByStatus returns the chain's items in any of statuses, ordered by step.
	ItemsByStatus(ctx context.Context, chainID string, statuses ...taskchain.ItemStatus) ([]*taskchain.Item, error)
	// FirstItemByStatus returns the lowest-step item in status.
	FirstItemByStatus(ctx context.Context, chainID string, status taskchain.ItemStatus) (*taskchain.Item, error)
	UpdateItemStatus(ctx context.Context, id string, status taskchain.ItemStatus) error
	IncrementRetry(ctx context.Context, id string) error

	AppendHistory(ctx context.Context, e *taskchain.HistoryEntry) error
	History(ctx context.Context, sessionID string) ([]*taskchain.HistoryEntry, error)

	Close() error
}

func cloneSession(s *taskchain.Session) *taskchain.Session {
	c := *s
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	return &c
}

func cloneChain(c *taskchain.Chain) *taskchain.Chain {
	cc := *c
	return &cc
}

func cloneItem(i *taskchain.Item) *taskchain.Item {
	ii := *i
	return &ii
}
