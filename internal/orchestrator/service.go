package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/logging"
	"github.com/fyrsmithlabs/voxchain/internal/planner"
	"github.com/fyrsmithlabs/voxchain/internal/speech"
	"github.com/fyrsmithlabs/voxchain/internal/store"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

// Planner turns an utterance into a plan.
type Planner interface {
	Plan(ctx context.Context, text string, env map[string]string) (taskchain.Plan, error)
}

// Utterance is one user request: either text or an audio reference.
type Utterance struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	Text        string            `json:"text,omitempty"`
	AudioURL    string            `json:"audio_url,omitempty"`
	AudioFormat string            `json:"audio_format,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// ServiceConfig configures session handling.
type ServiceConfig struct {
	// SessionTTL is how long an idle open session lives.
	SessionTTL time.Duration
	// ExpirySchedule is the cron spec of the idle-session sweep.
	ExpirySchedule string
}

// DefaultServiceConfig returns a 30 minute TTL swept every minute.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SessionTTL:     30 * time.Minute,
		ExpirySchedule: "@every 1m",
	}
}

// Service is the request-facing facade over the orchestrator.
type Service struct {
	cfg     ServiceConfig
	orch    *Orchestrator
	store   store.Store
	asr     speech.Recognizer
	planner Planner
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewService creates a Service. asr may be nil when only text input is used.
func NewService(cfg ServiceConfig, orch *Orchestrator, st store.Store, asr speech.Recognizer, p Planner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExpirySchedule == "" {
		cfg.ExpirySchedule = DefaultServiceConfig().ExpirySchedule
	}
	return &Service{
		cfg:     cfg,
		orch:    orch,
		store:   st,
		asr:     asr,
		planner: p,
		logger:  logger,
		now:     orch.now,
	}
}

// HandleUtterance transcribes (when given audio), plans and starts a chain.
// Dependency failures degrade into a response; only validation, state
// conflict and persistence failures are returned as errors.
func (s *Service) HandleUtterance(ctx context.Context, u Utterance) (*Response, error) {
	if strings.TrimSpace(u.SessionID) == "" {
		return nil, apperr.Validation("session id is required")
	}
	if strings.TrimSpace(u.Text) == "" && strings.TrimSpace(u.AudioURL) == "" {
		return nil, apperr.Validation("either text or audio url is required")
	}
	ctx = logging.WithSessionID(ctx, u.SessionID)

	session, err := s.openSession(ctx, u)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(u.Text)
	if u.AudioURL != "" {
		if s.asr == nil {
			return nil, apperr.Validation("audio input is not enabled")
		}
		transcript, err := s.asr.Transcribe(ctx, u.AudioURL, u.AudioFormat)
		switch {
		case apperr.KindOf(err) == apperr.KindValidation:
			return nil, err
		case err != nil:
			s.logger.Warn("speech recognition degraded", append(logging.ContextFields(ctx), zap.Error(err))...)
			return s.reply(ctx, session, MessageASRUnavailable, MessageASRUnavailable)
		}
		text = transcript
	}
	if text == "" {
		return s.reply(ctx, session, MessageNotUnderstood, "")
	}

	if err := s.appendHistory(ctx, session, taskchain.HistoryUtterance, text); err != nil {
		return nil, err
	}

	plan, err := s.planner.Plan(ctx, text, session.Env)
	if err != nil {
		return nil, err
	}

	resp, err := s.orch.Create(ctx, plan, session.ID, session.UserID)
	if err != nil {
		return nil, err
	}
	resp.Transcript = text
	if len(plan.Tasks) == 0 && isDegradedReply(plan.Reply) {
		resp.Error = plan.Reply
	}
	if err := s.appendHistory(ctx, session, taskchain.HistoryReply, resp.Text); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitFeedback advances the session's chain with the client's report.
func (s *Service) SubmitFeedback(ctx context.Context, sessionID string, fb Feedback) (*Response, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, session.ID)

	resp, err := s.orch.Advance(ctx, session, fb)
	if err != nil {
		return nil, err
	}
	entry := fmt.Sprintf("%s %s", fb.TaskID, fb.Status)
	if fb.Result != "" {
		entry += ": " + fb.Result
	}
	if err := s.appendHistory(ctx, session, taskchain.HistoryFeedback, entry); err != nil {
		return nil, err
	}
	return resp, nil
}

// Abandon rolls back the session and stops its chain.
func (s *Service) Abandon(ctx context.Context, sessionID string) (*Response, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, session.ID)

	resp, err := s.orch.Abandon(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, session, taskchain.HistoryRollback, describeRollback(resp)); err != nil {
		return nil, err
	}
	return resp, nil
}

// ExpireIdle expires open sessions whose deadline passed before now and
// rolls back their compensation stacks. It returns the number expired.
func (s *Service) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	sessions, err := s.store.ExpiredSessions(ctx, now)
	if err != nil {
		return 0, apperr.Persistence("list expired sessions", err)
	}

	expired := 0
	var errs []error
	for _, session := range sessions {
		sctx := logging.WithSessionID(ctx, session.ID)
		resp, err := s.orch.Expire(sctx, session)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire session %s: %w", session.ID, err))
			continue
		}
		expired++
		if len(resp.Compensations) > 0 {
			if err := s.appendHistory(sctx, session, taskchain.HistoryRollback, describeRollback(resp)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if expired > 0 {
		s.logger.Info("expired idle sessions", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

// Start schedules ExpireIdle until Stop or ctx cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("session sweeper already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.ExpirySchedule, func() {
		if _, err := s.ExpireIdle(ctx, s.now()); err != nil {
			s.logger.Error("session sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", s.cfg.ExpirySchedule, err)
	}
	c.Start()
	s.cron = c

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	s.logger.Info("session sweeper started", zap.String("schedule", s.cfg.ExpirySchedule))
	return nil
}

// Stop halts the sweep and waits for a running one to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("session sweeper stopped")
}

// History returns the session's exchange log.
func (s *Service) History(ctx context.Context, sessionID string) ([]*taskchain.HistoryEntry, error) {
	entries, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, apperr.Persistence("load history", err)
	}
	return entries, nil
}

// openSession returns the session for u, creating it on first contact and
// reopening a finished one. Env keys from u override stored ones.
func (s *Service) openSession(ctx context.Context, u Utterance) (*taskchain.Session, error) {
	now := s.now()
	session, err := s.store.GetSession(ctx, u.SessionID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		session = &taskchain.Session{
			ID:        u.SessionID,
			UserID:    u.UserID,
			Status:    taskchain.SessionActive,
			CreatedAt: now,
		}
		s.logger.Info("session created", logging.ContextFields(ctx)...)
	case err != nil:
		return nil, apperr.Persistence("load session", err)
	case !session.Status.Open():
		session.Status = taskchain.SessionActive
		session.CurrentTaskID = ""
	}

	if session.UserID == "" {
		session.UserID = u.UserID
	}
	if len(u.Env) > 0 {
		if session.Env == nil {
			session.Env = make(map[string]string, len(u.Env))
		}
		for k, v := range u.Env {
			session.Env[k] = v
		}
	}
	session.UpdatedAt = now
	if s.cfg.SessionTTL > 0 {
		session.ExpiresAt = now.Add(s.cfg.SessionTTL)
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, apperr.Persistence("save session", err)
	}
	return session, nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*taskchain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.Validation("session id is required")
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Conflict("session %s does not exist", sessionID)
	}
	if err != nil {
		return nil, apperr.Persistence("load session", err)
	}
	return session, nil
}

// reply answers without planning, logging the reply to history.
func (s *Service) reply(ctx context.Context, session *taskchain.Session, text, userErr string) (*Response, error) {
	resp := &Response{SessionID: session.ID, Text: text, Tasks: []Task{}}
	s.orch.speak(ctx, resp, text)
	if userErr != "" {
		resp.Error = userErr
	}
	if err := s.appendHistory(ctx, session, taskchain.HistoryReply, text); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) appendHistory(ctx context.Context, session *taskchain.Session, kind taskchain.HistoryKind, text string) error {
	err := s.store.AppendHistory(ctx, &taskchain.HistoryEntry{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    session.UserID,
		Kind:      kind,
		Text:      text,
		CreatedAt: s.now(),
	})
	return apperr.Persistence("append history", err)
}

func isDegradedReply(reply string) bool {
	switch reply {
	case planner.ReplyUnavailable, planner.ReplyParseFailed, planner.ReplyBadFormat:
		return true
	}
	return false
}

func describeRollback(resp *Response) string {
	if len(resp.Compensations) == 0 {
		return "nothing to roll back"
	}
	cmds := make([]string, 0, len(resp.Compensations))
	for _, c := range resp.Compensations {
		cmds = append(cmds, c.Command)
	}
	return strings.Join(cmds, "; ")
}
