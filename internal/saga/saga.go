// Package saga tracks successfully executed task items per session and
// derives best-effort compensation commands when a chain is abandoned.
//
// Stacks live in memory only and are lost on restart. Compensation is
// advisory: the caller hands the commands to the client and nothing here
// confirms they ran.
package saga

import (
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

// Compensation is the undo action derived for one successful item.
type Compensation struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	Command string `json:"cmd"`
}

// Compensator owns one LIFO stack of successful items per session.
type Compensator struct {
	mu     sync.Mutex
	stacks map[string][]taskchain.Item
	logger *zap.Logger
}

// NewCompensator creates an empty compensator.
func NewCompensator(logger *zap.Logger) *Compensator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compensator{
		stacks: make(map[string][]taskchain.Item),
		logger: logger,
	}
}

// RecordSuccess pushes a copy of item onto the session's stack.
func (c *Compensator) RecordSuccess(sessionID string, item *taskchain.Item) {
	if item == nil {
		return
	}
	c.mu.Lock()
	c.stacks[sessionID] = append(c.stacks[sessionID], *item)
	depth := len(c.stacks[sessionID])
	c.mu.Unlock()

	c.logger.Debug("recorded successful task",
		zap.String("session_id", sessionID),
		zap.String("task_id", item.ID),
		zap.Int("depth", depth))
}

// Rollback drains the session's stack and returns one compensation per
// item, most recent first. An empty or unknown session yields an empty slice.
func (c *Compensator) Rollback(sessionID string) []Compensation {
	c.mu.Lock()
	stack := c.stacks[sessionID]
	delete(c.stacks, sessionID)
	c.mu.Unlock()

	out := make([]Compensation, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		it := stack[i]
		out = append(out, Compensation{
			TaskID:  it.ID,
			Title:   it.Title,
			Command: Compensate(&it),
		})
	}
	if len(out) > 0 {
		c.logger.Info("rolled back session",
			zap.String("session_id", sessionID),
			zap.Int("compensations", len(out)))
	}
	return out
}

// Depth returns the number of items recorded for the session.
func (c *Compensator) Depth(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stacks[sessionID])
}

// Discard drops the session's stack without producing compensations.
func (c *Compensator) Discard(sessionID string) {
	c.mu.Lock()
	delete(c.stacks, sessionID)
	c.mu.Unlock()
}

// Compensate derives the undo command for a single item.
//
// Order of precedence: explicit undo command, blank command placeholder,
// recognised launch shapes, then a placeholder naming the task.
func Compensate(item *taskchain.Item) string {
	if undo := strings.TrimSpace(item.UndoCommand); undo != "" {
		return undo
	}
	cmd := strings.TrimSpace(item.Command)
	if cmd == "" {
		return "echo rollback"
	}
	if inverse, ok := inverseLaunch(cmd); ok {
		return inverse
	}
	return "echo rollback: " + item.Title
}

func inverseLaunch(cmd string) (string, bool) {
	switch {
	case strings.HasPrefix(cmd, "start "):
		name := strings.TrimSpace(strings.TrimPrefix(cmd, "start "))
		if name == "" {
			return "", false
		}
		return "taskkill /IM " + windowsImage(name) + " /F", true

	case strings.HasPrefix(cmd, "open -a "):
		app := strings.Trim(strings.TrimSpace(strings.TrimPrefix(cmd, "open -a ")), `"'`)
		if app == "" {
			return "", false
		}
		return `osascript -e 'quit app "` + app + `"'`, true
	}

	background := strings.HasSuffix(cmd, "&") && !strings.HasSuffix(cmd, "&&")
	cmd = strings.TrimSpace(strings.TrimSuffix(cmd, "&"))
	if strings.HasPrefix(cmd, "nohup ") {
		background = true
		cmd = strings.TrimSpace(strings.TrimPrefix(cmd, "nohup "))
	}
	if !background {
		return "", false
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 || strings.ContainsAny(fields[0], ";|<>$`") {
		return "", false
	}
	return "pkill -f " + path.Base(fields[0]), true
}

// windowsImage turns a program name into a taskkill image name. Bare names
// get the .exe suffix; arguments after the program are dropped.
func windowsImage(name string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[0]
	}
	if path.Ext(name) == "" {
		name += ".exe"
	}
	return name
}
