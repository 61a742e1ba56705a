// Package orchestrator drives task chains produced by plan generation.
//
// # Overview
//
// A chain is created from one plan and executed one item at a time against a
// remote client. The client reports an outcome (SUCCESS, FAILED or RETRY) for
// the item it was handed, and the orchestrator selects the next item:
//
//	earliest PENDING by step order, else
//	earliest FAILED item with retry budget left, else
//	the chain is finished (COMPLETED, or FAILED when exhausted failures remain)
//
// # Consistency
//
// Advancement of a chain is serialised by a per-chain keyed mutex and guarded
// by the chain version: every applied feedback increments the version and the
// store rejects a commit whose expected version is stale. Feedback that names
// an unknown task, a task of another chain, a terminal chain or a stale
// version fails with apperr.ErrStateConflict.
//
// # Degradation
//
// Speech synthesis and event publishing are best effort. A synthesis failure
// yields an empty audio URL and a user-safe Response.Error; persistence
// failures always propagate.
//
// # Service
//
// Service composes the orchestrator with session handling, speech
// recognition, planning, history logging, saga rollback on abandon and a
// cron-scheduled sweep of idle sessions.
package orchestrator
