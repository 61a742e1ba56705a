package taskchain

import (
	"time"
)

// SessionStatus is the lifecycle of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionWaiting   SessionStatus = "WAITING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
)

// Open reports whether the session still accepts requests.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionWaiting
}

// ChainStatus is the lifecycle of a task chain.
type ChainStatus string

const (
	ChainPending    ChainStatus = "PENDING"
	ChainInProgress ChainStatus = "IN_PROGRESS"
	ChainCompleted  ChainStatus = "COMPLETED"
	ChainFailed     ChainStatus = "FAILED"
)

// Terminal reports whether no further item transitions are permitted.
func (s ChainStatus) Terminal() bool {
	return s == ChainCompleted || s == ChainFailed
}

// Client environment keys recognised by retrieval and planning.
const (
	EnvOS    = "os"
	EnvShell = "shell"
)

// Session is one conversation with a client device.
type Session struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	ChainID       string            `json:"chain_id,omitempty"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Status        SessionStatus     `json:"status"`
	RetryCount    int               `json:"retry_count"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// OS returns the client operating system declared in Env.
func (s *Session) OS() string {
	if s == nil || s.Env == nil {
		return ""
	}
	return s.Env[EnvOS]
}

// Chain is the ordered set of items produced by one plan.
type Chain struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	UserID       string      `json:"user_id"`
	CurrentIndex int         `json:"current_index"`
	Version      int64       `json:"version"`
	Status       ChainStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DefaultMaxRetries applies when a plan does not set a retry budget.
const DefaultMaxRetries = 3

// Item is one executable step of a chain.
type Item struct {
	ID          string     `json:"id"`
	ChainID     string     `json:"chain_id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Command     string     `json:"cmd"`
	UndoCommand string     `json:"undo_cmd,omitempty"`
	Status      ItemStatus `json:"status"`
	StepOrder   int        `json:"step_order"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasRetryBudget reports whether another attempt is allowed.
func (i *Item) HasRetryBudget() bool {
	return i.RetryCount < i.MaxRetries
}

// HistoryKind classifies a history log entry.
type HistoryKind string

const (
	HistoryUtterance HistoryKind = "utterance"
	HistoryReply     HistoryKind = "reply"
	HistoryFeedback  HistoryKind = "feedback"
	HistoryRollback  HistoryKind = "rollback"
)

// HistoryEntry is an append-only record of a session exchange.
type HistoryEntry struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Kind      HistoryKind `json:"kind"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

// PlannedTask is one step proposed by plan generation.
type PlannedTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Command     string `json:"cmd"`
	UndoCommand string `json:"undo_cmd,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
}

// Plan is the output of plan generation: a spoken reply and zero or more tasks.
type Plan struct {
	Reply string        `json:"reply"`
	Tasks []PlannedTask `json:"tasks"`
}
