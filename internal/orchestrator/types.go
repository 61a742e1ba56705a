package orchestrator

import (
	"github.com/fyrsmithlabs/voxchain/internal/saga"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

// User-facing texts.
const (
	MessageTaskReady      = "Task ready"
	MessageAllCompleted   = "All tasks completed"
	MessageAbandoned      = "Task chain abandoned"
	MessageNotUnderstood  = "Sorry, I didn't catch that"
	MessageASRUnavailable = "Speech recognition temporarily unavailable"
	MessageTTSUnavailable = "Speech synthesis temporarily unavailable"
)

// Progress statuses reported once a chain has finished.
const (
	ProgressCompleted = "COMPLETED"
	ProgressAbandoned = "ABANDONED"
)

// Feedback is the client's report on the item it was handed.
type Feedback struct {
	TaskID string                   `json:"task_id"`
	Status taskchain.FeedbackStatus `json:"status"`
	Result string                   `json:"result,omitempty"`
	// ChainVersion, when set, must equal the chain's current version.
	ChainVersion *int64 `json:"chain_version,omitempty"`
}

// Progress describes the item the client should act on next.
type Progress struct {
	TaskID      string `json:"task_id,omitempty"`
	Status      string `json:"status"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	Message     string `json:"message"`
}

// Task is the client view of an item.
type Task struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Command     string               `json:"cmd"`
	Status      taskchain.ItemStatus `json:"status"`
	StepOrder   int                  `json:"step_order"`
	RetryCount  int                  `json:"retry_count"`
	MaxRetries  int                  `json:"max_retries"`
}

// Response is returned by every public orchestrator and service operation.
type Response struct {
	SessionID     string              `json:"session_id"`
	ChainID       string              `json:"chain_id,omitempty"`
	ChainVersion  int64               `json:"chain_version"`
	Transcript    string              `json:"transcript,omitempty"`
	Text          string              `json:"text"`
	Cmd           string              `json:"cmd,omitempty"`
	Tasks         []Task              `json:"tasks"`
	AudioURL      string              `json:"audio_url"`
	Feedback      *Progress           `json:"feedback,omitempty"`
	Compensations []saga.Compensation `json:"compensations,omitempty"`
	// Error carries a user-safe message when a degraded path was taken.
	Error string `json:"error,omitempty"`
}

func taskView(it *taskchain.Item) Task {
	return Task{
		ID:          it.ID,
		Title:       it.Title,
		Description: it.Description,
		Command:     it.Command,
		Status:      it.Status,
		StepOrder:   it.StepOrder,
		RetryCount:  it.RetryCount,
		MaxRetries:  it.MaxRetries,
	}
}

func taskViews(items []*taskchain.Item) []Task {
	out := make([]Task, 0, len(items))
	for _, it := range items {
		out = append(out, taskView(it))
	}
	return out
}

func startingText(it *taskchain.Item) string {
	return "Starting: " + it.Title
}
