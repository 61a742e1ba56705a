package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/config"
	"github.com/fyrsmithlabs/voxchain/internal/events"
	"github.com/fyrsmithlabs/voxchain/internal/resilience"
	"github.com/fyrsmithlabs/voxchain/internal/retrieval"
	"github.com/fyrsmithlabs/voxchain/internal/store"
	"github.com/fyrsmithlabs/voxchain/internal/telemetry"
)

func TestGovernorConfig_OverlaysNonZeroFields(t *testing.T) {
	defaults := resilience.DefaultConfig()

	got := governorConfig(config.GovernorConfig{
		Ceiling: 40,
		Units: map[string]config.UnitConfig{
			"tts": {BulkheadLimit: 3, MaxAttempts: 5, OpenTimeout: 15 * time.Second, Jitter: 0.25},
		},
	})

	require.NoError(t, got.Validate())
	assert.Equal(t, 40, got.Ceiling)

	tts := got.Units[resilience.TTS]
	assert.Equal(t, 3, tts.BulkheadLimit)
	assert.Equal(t, 5, tts.Retry.MaxAttempts)
	assert.Equal(t, 15*time.Second, tts.Breaker.OpenTimeout)
	assert.Equal(t, 0.25, tts.Retry.Jitter)
	assert.Equal(t, defaults.Units[resilience.TTS].LimitPerPeriod, tts.LimitPerPeriod)
	assert.Equal(t, defaults.Units[resilience.TTS].Breaker.WindowSize, tts.Breaker.WindowSize)

	assert.Equal(t, defaults.Units[resilience.ASR], got.Units[resilience.ASR])
	assert.Equal(t, defaults.Units[resilience.LLM], got.Units[resilience.LLM])
}

func TestGovernorConfig_EmptyKeepsDefaults(t *testing.T) {
	assert.Equal(t, resilience.DefaultConfig(), governorConfig(config.GovernorConfig{}))
}

func TestTunerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Governor.Ceiling = 30
	cfg.Tuner.Interval = 10 * time.Second
	cfg.Tuner.Floor = 2
	cfg.Tuner.LimitStep = 3
	cfg.Tuner.MemoryBudget = 2 << 30

	tc := tunerConfig(cfg)
	assert.Equal(t, 10*time.Second, tc.Interval)
	assert.Equal(t, 2, tc.Floor)
	assert.Equal(t, 3, tc.LimitStep)
	assert.Equal(t, 30, tc.Ceiling)
	assert.Equal(t, uint64(2<<30), tc.MemoryBudget)
	assert.Equal(t, resilience.DefaultTunerConfig().BulkheadGrow, tc.BulkheadGrow)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, err := openStore(ctx, config.StoreConfig{Driver: config.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, mem)
	require.NoError(t, mem.Close())

	db, err := openStore(ctx, config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "chains.db")})
	require.NoError(t, err)
	assert.IsType(t, &store.SQLite{}, db)
	require.NoError(t, db.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "redis"})
	assert.Error(t, err)
}

func TestInitDependencies_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "voxchain.db")
	cfg.Tuner.Enabled = true
	cfg.Speech.BaseURL = "http://127.0.0.1:1/v1"
	cfg.Speech.AudioDir = filepath.Join(t.TempDir(), "audio")

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	require.NoError(t, err)

	deps, err := initDependencies(ctx, cfg, tel, zap.NewNop())
	require.NoError(t, err)
	defer deps.Close()

	assert.NotNil(t, deps.service)
	assert.NotNil(t, deps.tuner)
	assert.Nil(t, deps.natsConn)
	assert.IsType(t, events.Nop{}, deps.publisher)
	assert.Equal(t, cfg.Speech.AudioDir, deps.audioDir)
	assert.Len(t, deps.governor.Snapshot(), 3)

	families, err := deps.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestInitDependencies_BadTemplateFile(t *testing.T) {
	cfg := config.Default()
	cfg.Retrieval.TemplateFile = filepath.Join(t.TempDir(), "missing.toml")

	tel, err := telemetry.New(context.Background(), telemetry.FromObservability(cfg.Observability, version))
	require.NoError(t, err)

	_, err = initDependencies(context.Background(), cfg, tel, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template library")
}

func TestInitLogger(t *testing.T) {
	cfg := config.Default()
	tel, err := telemetry.New(context.Background(), telemetry.FromObservability(cfg.Observability, version))
	require.NoError(t, err)

	lg, err := initLogger(cfg, tel)
	require.NoError(t, err)
	assert.NotNil(t, lg.Underlying())

	cfg.Logging.Level = "loud"
	_, err = initLogger(cfg, tel)
	assert.Error(t, err)
}

func TestTelemetryHealth(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.FromObservability(config.Default().Observability, version))
	require.NoError(t, err)
	assert.NoError(t, telemetryHealth(tel)(context.Background()))
	assert.Error(t, telemetryHealth(nil)(context.Background()))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Commit:")
}

func TestRetrieveCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	out, err := execute(t, "retrieve", "--json", "--os", "Windows 11", "-k", "2", "open", "calculator")
	require.NoError(t, err)

	var matches []retrieval.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 2)
	assert.Equal(t, "start calc.exe", matches[0].Command)
	assert.Equal(t, retrieval.MethodTermFreq, matches[0].Method)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestRetrieveCommand_RequiresUtterance(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := execute(t, "retrieve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}
