package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/voxchain/internal/events"
	"github.com/fyrsmithlabs/voxchain/internal/saga"
	"github.com/fyrsmithlabs/voxchain/internal/store"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

// MockSynthesizer is a mock implementation of speech.Synthesizer.
type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

// MockRecognizer is a mock implementation of speech.Recognizer.
type MockRecognizer struct {
	mock.Mock
}

func (m *MockRecognizer) Transcribe(ctx context.Context, audioURL, format string) (string, error) {
	args := m.Called(ctx, audioURL, format)
	return args.String(0), args.Error(1)
}

// MockPlanner is a mock implementation of Planner.
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(ctx context.Context, text string, env map[string]string) (taskchain.Plan, error) {
	args := m.Called(ctx, text, env)
	return args.Get(0).(taskchain.Plan), args.Error(1)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store  *store.Memory
	tts    *MockSynthesizer
	events *events.Recorder
	saga   *saga.Compensator
	clock  *clock
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		tts:    &MockSynthesizer{},
		events: &events.Recorder{},
		saga:   saga.NewCompensator(nil),
		clock:  &clock{t: epoch},
	}
	f.orch = New(f.store, f.tts, f.saga, f.events, nil,
		WithClock(f.clock.Now), WithSessionTTL(30*time.Minute))
	return f
}

// speakAll makes every synthesis succeed.
func (f *fixture) speakAll() {
	f.tts.On("Synthesize", mock.Anything, mock.Anything).Return("http://audio.local/audio/voxchain_1.mp3", nil)
}

func (f *fixture) session(t *testing.T, id string) *taskchain.Session {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) items(t *testing.T, chainID string) []*taskchain.Item {
	t.Helper()
	items, err := f.store.ItemsByChain(context.Background(), chainID)
	require.NoError(t, err)
	return items
}

func (f *fixture) chain(t *testing.T, id string) *taskchain.Chain {
	t.Helper()
	c, err := f.store.GetChain(context.Background(), id)
	require.NoError(t, err)
	return c
}

func twoTaskPlan() taskchain.Plan {
	return taskchain.Plan{
		Reply: "Turning on wifi, then opening the browser",
		Tasks: []taskchain.PlannedTask{
			{Title: "turn on wifi", Command: "nmcli radio wifi on", UndoCommand: "nmcli radio wifi off", MaxRetries: 2},
			{Title: "open browser", Command: "google-chrome &", MaxRetries: 1},
		},
	}
}

func version(v int64) *int64 { return &v }
