package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/events"
	"github.com/fyrsmithlabs/voxchain/internal/logging"
	"github.com/fyrsmithlabs/voxchain/internal/saga"
	"github.com/fyrsmithlabs/voxchain/internal/speech"
	"github.com/fyrsmithlabs/voxchain/internal/store"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

const instrumentationName = "github.com/fyrsmithlabs/voxchain/internal/orchestrator"

// Orchestrator creates chains and advances them on client feedback.
type Orchestrator struct {
	store      store.Store
	tts        speech.Synthesizer
	saga       *saga.Compensator
	events     events.Publisher
	logger     *zap.Logger
	tracer     trace.Tracer
	locks      *keyedMutex
	now        func() time.Time
	sessionTTL time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithSessionTTL extends a session's expiry by ttl whenever it is saved open.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTTL = ttl }
}

// New creates an Orchestrator. tts may be nil, in which case no audio is
// produced. A nil compensator, publisher or logger gets a working default.
func New(st store.Store, tts speech.Synthesizer, comp *saga.Compensator, pub events.Publisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if comp == nil {
		comp = saga.NewCompensator(logger)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	o := &Orchestrator{
		store:  st,
		tts:    tts,
		saga:   comp,
		events: pub,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Compensator returns the saga compensator shared with the service.
func (o *Orchestrator) Compensator() *saga.Compensator { return o.saga }

// Create persists a chain for plan and hands its first item to the client.
// A plan without tasks yields a reply-only response and persists nothing.
func (o *Orchestrator) Create(ctx context.Context, plan taskchain.Plan, sessionID, userID string) (resp *Response, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Create", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("tasks", len(plan.Tasks)),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.Validation("session id is required")
	}
	ctx = logging.WithSessionID(ctx, sessionID)

	if len(plan.Tasks) == 0 {
		return &Response{SessionID: sessionID, Text: plan.Reply, Tasks: []Task{}}, nil
	}

	now := o.now()
	compensations, err := o.supersede(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}

	chain := &taskchain.Chain{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Status:    taskchain.ChainPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx = logging.WithChainID(ctx, chain.ID)
	span.SetAttributes(attribute.String("chain.id", chain.ID))

	items := newItems(chain, plan.Tasks, now)
	if err := o.store.CreateChain(ctx, chain, items); err != nil {
		return nil, apperr.Persistence("create chain", err)
	}

	first := items[0]
	if err := first.Transition(taskchain.ItemReady); err != nil {
		return nil, err
	}
	if err := o.store.UpdateItemStatus(ctx, first.ID, first.Status); err != nil {
		return nil, apperr.Persistence("mark first task ready", err)
	}

	session, err := o.loadOrNewSession(ctx, sessionID, userID, now)
	if err != nil {
		return nil, err
	}
	session.ChainID = chain.ID
	session.CurrentTaskID = first.ID
	session.Status = taskchain.SessionWaiting
	if err := o.saveSession(ctx, session, now); err != nil {
		return nil, err
	}
	text := startingText(first)
	resp = &Response{
		SessionID:     sessionID,
		ChainID:       chain.ID,
		ChainVersion:  chain.Version,
		Text:          text,
		Cmd:           first.Command,
		Tasks:         taskViews(items),
		Compensations: compensations,
		Feedback: &Progress{
			TaskID:      first.ID,
			Status:      string(first.Status),
			CurrentStep: first.StepOrder + 1,
			TotalSteps:  len(items),
			Message:     MessageTaskReady,
		},
	}
	o.speak(ctx, resp, text)
	o.publish(ctx, events.Event{
		Type:         events.ChainCreated,
		ChainID:      chain.ID,
		SessionID:    sessionID,
		UserID:       userID,
		TaskID:       first.ID,
		TaskStatus:   string(first.Status),
		ChainStatus:  string(chain.Status),
		Step:         first.StepOrder + 1,
		Total:        len(items),
		ChainVersion: chain.Version,
	})

	o.logger.Info("task chain created", append(logging.ContextFields(ctx),
		zap.Int("tasks", len(items)))...)
	return resp, nil
}

// Advance applies client feedback to the session's chain and selects the
// next item. session is updated in place and saved.
func (o *Orchestrator) Advance(ctx context.Context, session *taskchain.Session, fb Feedback) (resp *Response, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Advance", trace.WithAttributes(
		attribute.String("task.id", fb.TaskID),
		attribute.String("feedback.status", string(fb.Status)),
	))
	defer func() { endSpan(span, err) }()

	if session == nil || strings.TrimSpace(session.ID) == "" {
		return nil, apperr.Validation("session is required")
	}
	if strings.TrimSpace(fb.TaskID) == "" {
		return nil, apperr.Validation("task id is required")
	}
	status, err := taskchain.ParseFeedbackStatus(string(fb.Status))
	if err != nil {
		return nil, err
	}
	if session.ChainID == "" {
		return nil, apperr.Conflict("session %s has no task chain", session.ID)
	}
	if !session.Status.Open() {
		return nil, apperr.Conflict("session %s is %s", session.ID, session.Status)
	}
	ctx = logging.WithChainID(logging.WithSessionID(ctx, session.ID), session.ChainID)
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("chain.id", session.ChainID),
	)

	unlock := o.locks.Lock(session.ChainID)
	defer unlock()

	chain, err := o.loadChain(ctx, session)
	if err != nil {
		return nil, err
	}
	if chain.Status.Terminal() {
		return nil, apperr.Conflict("chain %s is %s", chain.ID, chain.Status)
	}
	if fb.ChainVersion != nil && *fb.ChainVersion != chain.Version {
		return nil, apperr.Conflict("chain %s is at version %d, feedback carries %d", chain.ID, chain.Version, *fb.ChainVersion)
	}

	items, err := o.store.ItemsByChain(ctx, chain.ID)
	if err != nil {
		return nil, apperr.Persistence("load tasks", err)
	}
	item := findItem(items, fb.TaskID)
	if item == nil {
		return nil, apperr.Conflict("task %s is not part of chain %s", fb.TaskID, chain.ID)
	}

	succeeded, err := item.ApplyFeedback(status, fb.Result)
	if err != nil {
		return nil, err
	}

	now := o.now()
	item.UpdatedAt = now
	expected := chain.Version
	chain.Version++
	chain.Status = taskchain.ChainInProgress
	chain.UpdatedAt = now
	changed := []*taskchain.Item{item}

	next := activeItem(items)
	if next == nil {
		if next = selectNext(items); next != nil {
			if err := next.Transition(taskchain.ItemReady); err != nil {
				return nil, err
			}
			next.UpdatedAt = now
			changed = append(changed, next)
		}
	}

	// Nothing left to hand out: items that exhausted their retries stay
	// FAILED but the chain itself completes.
	if next == nil {
		chain.Status = taskchain.ChainCompleted
	} else {
		chain.CurrentIndex = next.StepOrder
	}
	if err := o.commit(ctx, chain, expected, changed...); err != nil {
		return nil, err
	}
	if succeeded {
		o.saga.RecordSuccess(session.ID, item)
	}

	resp = &Response{
		SessionID:    session.ID,
		ChainID:      chain.ID,
		ChainVersion: chain.Version,
		Tasks:        []Task{},
	}
	event := events.Event{
		ChainID:      chain.ID,
		SessionID:    session.ID,
		UserID:       session.UserID,
		ChainStatus:  string(chain.Status),
		Total:        len(items),
		ChainVersion: chain.Version,
	}

	if next != nil {
		session.CurrentTaskID = next.ID
		session.Status = taskchain.SessionWaiting
		resp.Text = startingText(next)
		resp.Cmd = next.Command
		resp.Tasks = []Task{taskView(next)}
		resp.Feedback = &Progress{
			TaskID:      next.ID,
			Status:      string(next.Status),
			CurrentStep: next.StepOrder + 1,
			TotalSteps:  len(items),
			Message:     MessageTaskReady,
		}
		event.Type = events.ChainAdvanced
		event.TaskID = next.ID
		event.TaskStatus = string(next.Status)
		event.Step = next.StepOrder + 1
	} else {
		session.CurrentTaskID = ""
		session.Status = taskchain.SessionCompleted
		resp.Text = MessageAllCompleted
		resp.Feedback = &Progress{Status: ProgressCompleted, TotalSteps: len(items), Message: resp.Text}
		event.Type = events.ChainCompleted
		o.saga.Discard(session.ID)
	}

	if err := o.saveSession(ctx, session, now); err != nil {
		return nil, err
	}
	o.speak(ctx, resp, resp.Text)
	o.publish(ctx, event)

	o.logger.Info("task chain advanced", append(logging.ContextFields(ctx),
		zap.String("task_id", item.ID),
		zap.String("feedback", string(status)),
		zap.String("task_status", string(item.Status)),
		zap.String("chain_status", string(chain.Status)),
		zap.Int64("chain_version", chain.Version))...)
	return resp, nil
}

// Abandon stops the session's chain, skips its unstarted items and returns
// the compensations for everything that already succeeded. The session
// becomes COMPLETED.
func (o *Orchestrator) Abandon(ctx context.Context, session *taskchain.Session) (*Response, error) {
	return o.terminate(ctx, session, taskchain.SessionCompleted, events.ChainAbandoned)
}

// Expire is Abandon for an idle session; the session becomes EXPIRED.
func (o *Orchestrator) Expire(ctx context.Context, session *taskchain.Session) (*Response, error) {
	return o.terminate(ctx, session, taskchain.SessionExpired, events.SessionExpired)
}

func (o *Orchestrator) terminate(ctx context.Context, session *taskchain.Session, final taskchain.SessionStatus, evType events.Type) (resp *Response, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Terminate", trace.WithAttributes(
		attribute.String("session.final_status", string(final)),
	))
	defer func() { endSpan(span, err) }()

	if session == nil || strings.TrimSpace(session.ID) == "" {
		return nil, apperr.Validation("session is required")
	}
	ctx = logging.WithSessionID(ctx, session.ID)
	span.SetAttributes(attribute.String("session.id", session.ID))

	now := o.now()
	resp = &Response{
		SessionID: session.ID,
		ChainID:   session.ChainID,
		Text:      MessageAbandoned,
		Tasks:     []Task{},
		Feedback:  &Progress{Status: ProgressAbandoned, Message: MessageAbandoned},
	}

	if session.ChainID != "" {
		ctx = logging.WithChainID(ctx, session.ChainID)
		unlock := o.locks.Lock(session.ChainID)
		defer unlock()

		chain, err := o.store.GetChain(ctx, session.ChainID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			o.logger.Warn("session references missing chain", logging.ContextFields(ctx)...)
		case err != nil:
			return nil, apperr.Persistence("load chain", err)
		default:
			if err := o.stopChain(ctx, chain, now); err != nil {
				return nil, err
			}
			resp.ChainVersion = chain.Version
		}
	}

	resp.Compensations = o.saga.Rollback(session.ID)
	session.CurrentTaskID = ""
	session.Status = final
	if err := o.saveSession(ctx, session, now); err != nil {
		return nil, err
	}

	o.publish(ctx, events.Event{
		Type:         evType,
		ChainID:      session.ChainID,
		SessionID:    session.ID,
		UserID:       session.UserID,
		ChainStatus:  string(taskchain.ChainFailed),
		ChainVersion: resp.ChainVersion,
	})
	o.logger.Info("task chain terminated", append(logging.ContextFields(ctx),
		zap.String("session_status", string(final)),
		zap.Int("compensations", len(resp.Compensations)))...)
	return resp, nil
}

// supersede stops the session's live chain, if any, before a new one is
// created and returns the compensations for its successful items.
func (o *Orchestrator) supersede(ctx context.Context, sessionID string, now time.Time) ([]saga.Compensation, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("load session", err)
	}

	if session.ChainID != "" {
		unlock := o.locks.Lock(session.ChainID)
		defer unlock()

		chain, err := o.store.GetChain(ctx, session.ChainID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			return nil, apperr.Persistence("load chain", err)
		case !chain.Status.Terminal():
			if err := o.stopChain(ctx, chain, now); err != nil {
				return nil, err
			}
			o.publish(ctx, events.Event{
				Type:         events.ChainAbandoned,
				ChainID:      chain.ID,
				SessionID:    sessionID,
				UserID:       session.UserID,
				ChainStatus:  string(chain.Status),
				ChainVersion: chain.Version,
			})
			o.logger.Info("live task chain superseded", append(logging.ContextFields(ctx),
				zap.String("superseded_chain_id", chain.ID))...)
		}
	}
	return o.saga.Rollback(sessionID), nil
}

// stopChain skips every unstarted item and marks a live chain FAILED.
// Terminal chains are left as they are.
func (o *Orchestrator) stopChain(ctx context.Context, chain *taskchain.Chain, now time.Time) error {
	if chain.Status.Terminal() {
		return nil
	}
	open, err := o.store.ItemsByStatus(ctx, chain.ID,
		taskchain.ItemPending, taskchain.ItemReady, taskchain.ItemPrompted)
	if err != nil {
		return apperr.Persistence("load unstarted tasks", err)
	}
	for _, it := range open {
		if err := it.Transition(taskchain.ItemSkipped); err != nil {
			return err
		}
		it.UpdatedAt = now
	}
	expected := chain.Version
	chain.Version++
	chain.Status = taskchain.ChainFailed
	chain.UpdatedAt = now
	return o.commit(ctx, chain, expected, open...)
}

func (o *Orchestrator) loadChain(ctx context.Context, session *taskchain.Session) (*taskchain.Chain, error) {
	chain, err := o.store.GetChain(ctx, session.ChainID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Conflict("chain %s does not exist", session.ChainID)
	}
	if err != nil {
		return nil, apperr.Persistence("load chain", err)
	}
	if chain.SessionID != session.ID {
		return nil, apperr.Conflict("chain %s does not belong to session %s", chain.ID, session.ID)
	}
	return chain, nil
}

func (o *Orchestrator) loadOrNewSession(ctx context.Context, id, userID string, now time.Time) (*taskchain.Session, error) {
	s, err := o.store.GetSession(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Persistence("load session", err)
	}
	return &taskchain.Session{
		ID:        id,
		UserID:    userID,
		Status:    taskchain.SessionActive,
		CreatedAt: now,
	}, nil
}

func (o *Orchestrator) saveSession(ctx context.Context, s *taskchain.Session, now time.Time) error {
	s.UpdatedAt = now
	if o.sessionTTL > 0 && s.Status.Open() {
		s.ExpiresAt = now.Add(o.sessionTTL)
	}
	if err := o.store.SaveSession(ctx, s); err != nil {
		return apperr.Persistence("save session", err)
	}
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, chain *taskchain.Chain, expected int64, items ...*taskchain.Item) error {
	err := o.store.CommitChain(ctx, chain, expected, items...)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Conflict("chain %s changed during commit: %v", chain.ID, err)
	}
	return apperr.Persistence("commit chain", err)
}

// speak fills AudioURL. Failures degrade to an empty URL.
func (o *Orchestrator) speak(ctx context.Context, resp *Response, text string) {
	if o.tts == nil || strings.TrimSpace(text) == "" {
		return
	}
	url, err := o.tts.Synthesize(ctx, text)
	if err != nil {
		o.logger.Warn("speech synthesis degraded", append(logging.ContextFields(ctx),
			zap.String("error_kind", string(apperr.KindOf(err))),
			zap.Error(err))...)
		resp.AudioURL = ""
		resp.Error = MessageTTSUnavailable
		return
	}
	resp.AudioURL = url
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if e.Time.IsZero() {
		e.Time = o.now()
	}
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn("publish chain event failed", append(logging.ContextFields(ctx),
			zap.String("event", string(e.Type)),
			zap.Error(err))...)
	}
}

func newItems(chain *taskchain.Chain, tasks []taskchain.PlannedTask, now time.Time) []*taskchain.Item {
	items := make([]*taskchain.Item, 0, len(tasks))
	for i, t := range tasks {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = t.Command
		}
		maxRetries := t.MaxRetries
		if maxRetries <= 0 {
			maxRetries = taskchain.DefaultMaxRetries
		}
		items = append(items, &taskchain.Item{
			ID:          uuid.NewString(),
			ChainID:     chain.ID,
			SessionID:   chain.SessionID,
			UserID:      chain.UserID,
			Title:       title,
			Description: t.Description,
			Command:     t.Command,
			UndoCommand: t.UndoCommand,
			Status:      taskchain.ItemPending,
			StepOrder:   i,
			MaxRetries:  maxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return items
}

func findItem(items []*taskchain.Item, id string) *taskchain.Item {
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// activeItem returns the item currently handed to the client, if any.
func activeItem(items []*taskchain.Item) *taskchain.Item {
	for _, it := range items {
		if it.Status.Active() {
			return it
		}
	}
	return nil
}

// selectNext returns the earliest PENDING item, else the earliest FAILED item
// with retry budget. items are ordered by step.
func selectNext(items []*taskchain.Item) *taskchain.Item {
	for _, it := range items {
		if it.Status == taskchain.ItemPending {
			return it
		}
	}
	for _, it := range items {
		if it.Status == taskchain.ItemFailed && it.HasRetryBudget() {
			return it
		}
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(apperr.KindOf(err))))
	}
	span.End()
}
