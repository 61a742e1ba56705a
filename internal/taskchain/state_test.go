package taskchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to ItemStatus }{
		{ItemPending, ItemReady},
		{ItemReady, ItemPrompted},
		{ItemReady, ItemWaitingClient},
		{ItemPrompted, ItemWaitingClient},
		{ItemWaitingClient, ItemSuccess},
		{ItemWaitingClient, ItemFailed},
		{ItemFailed, ItemRetrying},
		{ItemRetrying, ItemPending},
		{ItemFailed, ItemReady},
		{ItemPending, ItemSkipped},
	}
	for _, tt := range legal {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	illegal := []struct{ from, to ItemStatus }{
		{ItemSuccess, ItemPending},
		{ItemSuccess, ItemFailed},
		{ItemSkipped, ItemReady},
		{ItemPending, ItemSuccess},
		{ItemReady, ItemSuccess},
		{ItemFailed, ItemSuccess},
	}
	for _, tt := range illegal {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestItemStatus_Classification(t *testing.T) {
	for _, s := range AllItemStatuses() {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, ItemStatus("DONE").Valid())
	assert.True(t, ItemSuccess.Terminal())
	assert.True(t, ItemSkipped.Terminal())
	assert.False(t, ItemFailed.Terminal())
	assert.True(t, ItemPrompted.Active())
	assert.False(t, ItemPending.Active())
}

func TestTransition_IllegalIsConflict(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemSuccess}
	err := it.Transition(ItemPending)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, ItemSuccess, it.Status)
}

func TestApplyFeedback_Success(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemReady, MaxRetries: 3}
	ok, err := it.ApplyFeedback(FeedbackSuccess, "done")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ItemSuccess, it.Status)
	assert.Equal(t, "done", it.Result)

	_, err = it.ApplyFeedback(FeedbackSuccess, "again")
	assert.ErrorIs(t, err, apperr.ErrStateConflict, "no regression from SUCCESS")
}

func TestApplyFeedback_FailedIncrementsRetries(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemWaitingClient, MaxRetries: 2}
	ok, err := it.ApplyFeedback(FeedbackFailed, "exit 1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ItemFailed, it.Status)
	assert.Equal(t, 1, it.RetryCount)
}

func TestApplyFeedback_RetryWithinBudget(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemFailed, RetryCount: 1, MaxRetries: 2}
	_, err := it.ApplyFeedback(FeedbackRetry, "")
	require.NoError(t, err)
	assert.Equal(t, ItemPending, it.Status)
}

func TestApplyFeedback_RetryBudgetExhausted(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemFailed, RetryCount: 2, MaxRetries: 2}
	_, err := it.ApplyFeedback(FeedbackRetry, "")
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, it.Status)
}

func TestApplyFeedback_RetryOnActiveItemCountsAttempt(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemReady, MaxRetries: 3}
	_, err := it.ApplyFeedback(FeedbackRetry, "timed out")
	require.NoError(t, err)
	assert.Equal(t, ItemPending, it.Status)
	assert.Equal(t, 1, it.RetryCount)
	assert.Equal(t, "timed out", it.Result)
}

func TestApplyFeedback_PendingItemIsConflict(t *testing.T) {
	it := &Item{ID: "t1", Status: ItemPending, MaxRetries: 3}
	_, err := it.ApplyFeedback(FeedbackSuccess, "")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	_, err = it.ApplyFeedback(FeedbackRetry, "")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestParseFeedbackStatus(t *testing.T) {
	s, err := ParseFeedbackStatus("SUCCESS")
	require.NoError(t, err)
	assert.Equal(t, FeedbackSuccess, s)

	_, err = ParseFeedbackStatus("success")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, SessionWaiting.Open())
	assert.False(t, SessionExpired.Open())
	assert.True(t, ChainFailed.Terminal())
	assert.False(t, ChainInProgress.Terminal())

	var s *Session
	assert.Empty(t, s.OS())
	s = &Session{Env: map[string]string{EnvOS: "Windows 11"}}
	assert.Equal(t, "Windows 11", s.OS())
}
