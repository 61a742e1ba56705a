package taskchain

import (
	"fmt"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
)

// ItemStatus is the canonical eight-state item lifecycle.
type ItemStatus string

const (
	ItemPending       ItemStatus = "PENDING"
	ItemReady         ItemStatus = "READY"
	ItemPrompted      ItemStatus = "PROMPTED"
	ItemWaitingClient ItemStatus = "WAITING_CLIENT"
	ItemSuccess       ItemStatus = "SUCCESS"
	ItemFailed        ItemStatus = "FAILED"
	ItemSkipped       ItemStatus = "SKIPPED"
	ItemRetrying      ItemStatus = "RETRYING"
)

// AllItemStatuses returns every lifecycle state.
func AllItemStatuses() []ItemStatus {
	return []ItemStatus{
		ItemPending, ItemReady, ItemPrompted, ItemWaitingClient,
		ItemSuccess, ItemFailed, ItemSkipped, ItemRetrying,
	}
}

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s permits no further transitions.
func (s ItemStatus) Terminal() bool {
	return s == ItemSuccess || s == ItemSkipped
}

// Active reports whether an item in s has been handed to the client.
func (s ItemStatus) Active() bool {
	return s == ItemReady || s == ItemPrompted || s == ItemWaitingClient
}

var transitions = map[ItemStatus][]ItemStatus{
	ItemPending:       {ItemReady, ItemSkipped},
	ItemReady:         {ItemPrompted, ItemWaitingClient, ItemSkipped},
	ItemPrompted:      {ItemWaitingClient, ItemSkipped},
	ItemWaitingClient: {ItemSuccess, ItemFailed},
	ItemFailed:        {ItemRetrying, ItemReady},
	ItemRetrying:      {ItemPending},
	ItemSuccess:       nil,
	ItemSkipped:       nil,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the item to status to, or returns apperr.ErrStateConflict.
func (i *Item) Transition(to ItemStatus) error {
	if !CanTransition(i.Status, to) {
		return apperr.Conflict("task %s: illegal transition %s -> %s", i.ID, i.Status, to)
	}
	i.Status = to
	return nil
}

// FeedbackStatus is the client's report on an item.
type FeedbackStatus string

const (
	FeedbackSuccess FeedbackStatus = "SUCCESS"
	FeedbackFailed  FeedbackStatus = "FAILED"
	FeedbackRetry   FeedbackStatus = "RETRY"
)

// ParseFeedbackStatus validates a client-supplied status.
func ParseFeedbackStatus(s string) (FeedbackStatus, error) {
	switch fs := FeedbackStatus(s); fs {
	case FeedbackSuccess, FeedbackFailed, FeedbackRetry:
		return fs, nil
	default:
		return "", apperr.Validation("unknown feedback status %q", s)
	}
}

// ApplyFeedback applies a client outcome to an item that has been handed to
// the client (or, for RETRY, that has failed). The item passes through
// WAITING_CLIENT implicitly. It reports whether the item newly succeeded.
func (i *Item) ApplyFeedback(status FeedbackStatus, result string) (succeeded bool, err error) {
	switch status {
	case FeedbackSuccess, FeedbackFailed:
		if i.Status == ItemReady || i.Status == ItemPrompted {
			if err := i.Transition(ItemWaitingClient); err != nil {
				return false, err
			}
		}
		if i.Status != ItemWaitingClient {
			return false, apperr.Conflict("task %s is %s, not awaiting feedback", i.ID, i.Status)
		}
		i.Result = result
		if status == FeedbackSuccess {
			return true, i.Transition(ItemSuccess)
		}
		i.RetryCount++
		return false, i.Transition(ItemFailed)

	case FeedbackRetry:
		if i.Status.Active() {
			// A retry request for an item still in flight counts as a failed attempt.
			if _, err := i.ApplyFeedback(FeedbackFailed, result); err != nil {
				return false, err
			}
		}
		if i.Status != ItemFailed {
			return false, apperr.Conflict("task %s is %s and cannot be retried", i.ID, i.Status)
		}
		if result != "" {
			i.Result = result
		}
		if !i.HasRetryBudget() {
			return false, nil
		}
		if err := i.Transition(ItemRetrying); err != nil {
			return false, err
		}
		return false, i.Transition(ItemPending)

	default:
		return false, fmt.Errorf("apply feedback: %w", apperr.Validation("unknown feedback status %q", status))
	}
}
