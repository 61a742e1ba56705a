package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/config"
	"github.com/fyrsmithlabs/voxchain/internal/embeddings"
	"github.com/fyrsmithlabs/voxchain/internal/events"
	"github.com/fyrsmithlabs/voxchain/internal/logging"
	"github.com/fyrsmithlabs/voxchain/internal/orchestrator"
	"github.com/fyrsmithlabs/voxchain/internal/planner"
	"github.com/fyrsmithlabs/voxchain/internal/resilience"
	"github.com/fyrsmithlabs/voxchain/internal/retrieval"
	"github.com/fyrsmithlabs/voxchain/internal/saga"
	"github.com/fyrsmithlabs/voxchain/internal/speech"
	"github.com/fyrsmithlabs/voxchain/internal/store"
	"github.com/fyrsmithlabs/voxchain/internal/telemetry"
)

// dependencies holds everything serve wires together.
type dependencies struct {
	store     store.Store
	registry  *prometheus.Registry
	governor  *resilience.Governor
	tuner     *resilience.Tuner
	library   *retrieval.Library
	index     *retrieval.Index
	publisher events.Publisher
	natsConn  *nats.Conn
	audioDir  string
	service   *orchestrator.Service
	logger    *zap.Logger
}

// Close releases resources in reverse start order.
func (d *dependencies) Close() {
	if d.service != nil {
		d.service.Stop()
	}
	if d.tuner != nil {
		d.tuner.Stop()
	}
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("closing event publisher", zap.Error(err))
		}
	}
	if d.library != nil {
		d.library.Close()
	}
	if d.governor != nil {
		d.governor.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
}

// initLogger builds the process logger from the logging section. The OTEL
// bridge is attached when telemetry exposes a log provider.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc, err := logging.FromConfig(cfg.Logging, cfg.Observability.ServiceName)
	if err != nil {
		return nil, err
	}
	lp := tel.LoggerProvider()
	lc.OTEL = lp != nil
	return logging.NewLogger(lc, lp)
}

// governorConfig overlays configured unit overrides on the built-in
// policies. Zero fields keep the default.
func governorConfig(gc config.GovernorConfig) resilience.Config {
	out := resilience.DefaultConfig()
	if gc.Ceiling > 0 {
		out.Ceiling = gc.Ceiling
	}
	for name, o := range gc.Units {
		dep := resilience.Dependency(name)
		u, ok := out.Units[dep]
		if !ok {
			continue
		}
		if o.FailureRateThreshold > 0 {
			u.Breaker.FailureRateThreshold = o.FailureRateThreshold
		}
		if o.WindowSize > 0 {
			u.Breaker.WindowSize = o.WindowSize
		}
		if o.MinimumCalls > 0 {
			u.Breaker.MinimumCalls = o.MinimumCalls
		}
		if o.OpenTimeout > 0 {
			u.Breaker.OpenTimeout = o.OpenTimeout
		}
		if o.HalfOpenCalls > 0 {
			u.Breaker.HalfOpenCalls = o.HalfOpenCalls
		}
		if o.BulkheadLimit > 0 {
			u.BulkheadLimit = o.BulkheadLimit
		}
		if o.BulkheadMaxWait > 0 {
			u.BulkheadMaxWait = o.BulkheadMaxWait
		}
		if o.LimitPerPeriod > 0 {
			u.LimitPerPeriod = o.LimitPerPeriod
		}
		if o.RefreshPeriod > 0 {
			u.RefreshPeriod = o.RefreshPeriod
		}
		if o.LimiterTimeout > 0 {
			u.LimiterTimeout = o.LimiterTimeout
		}
		if o.MaxAttempts > 0 {
			u.Retry.MaxAttempts = o.MaxAttempts
		}
		if o.InitialInterval > 0 {
			u.Retry.InitialInterval = o.InitialInterval
		}
		if o.MaxInterval > 0 {
			u.Retry.MaxInterval = o.MaxInterval
		}
		if o.Multiplier > 0 {
			u.Retry.Multiplier = o.Multiplier
		}
		if o.Jitter > 0 {
			u.Retry.Jitter = o.Jitter
		}
		out.Units[dep] = u
	}
	return out
}

// tunerConfig applies the tuner section to the default policy. The tuner
// never raises a limit past the governor ceiling.
func tunerConfig(cfg *config.Config) resilience.TunerConfig {
	tc := resilience.DefaultTunerConfig()
	if cfg.Tuner.Interval > 0 {
		tc.Interval = cfg.Tuner.Interval
	}
	if cfg.Tuner.Floor > 0 {
		tc.Floor = cfg.Tuner.Floor
	}
	if cfg.Tuner.LimitStep > 0 {
		tc.LimitStep = cfg.Tuner.LimitStep
	}
	tc.MemoryBudget = cfg.Tuner.MemoryBudget
	if cfg.Governor.Ceiling > 0 {
		tc.Ceiling = cfg.Governor.Ceiling
	}
	return tc
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		db, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.StoreMemory, "":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newIndex loads the template library and builds the retrieval index. The
// index falls back to term frequency when no embedding endpoint is set.
func newIndex(cfg *config.Config, logger *zap.Logger) (*retrieval.Library, *retrieval.Index, error) {
	lib, err := retrieval.LoadLibrary(retrieval.LibraryConfig{
		Path:            cfg.Retrieval.TemplateFile,
		IncludeBuiltins: cfg.Retrieval.IncludeBuiltins || cfg.Retrieval.TemplateFile == "",
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading template library: %w", err)
	}

	var embedder embeddings.Embedder
	if cfg.Embeddings.BaseURL != "" {
		svc, err := embeddings.NewService(embeddings.Config{
			BaseURL:           cfg.Embeddings.BaseURL,
			Model:             cfg.Embeddings.Model,
			APIKey:            cfg.Embeddings.APIKey.Value(),
			RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
			Burst:             cfg.Embeddings.Burst,
		}, logger)
		if err != nil {
			lib.Close()
			return nil, nil, fmt.Errorf("creating embedding service: %w", err)
		}
		embedder = svc
		logger.Info("embedding service initialized",
			zap.String("base_url", cfg.Embeddings.BaseURL),
			zap.String("model", cfg.Embeddings.Model))
	}

	return lib, retrieval.NewIndex(lib, embedder, logger), nil
}

// initDependencies builds the orchestration core and its collaborators.
//
// This function:
//  1. Opens the chain store
//  2. Creates the governor (and tuner) with Prometheus collectors
//  3. Loads the template library and retrieval index
//  4. Creates the planner, speech clients and event publisher
//  5. Assembles the orchestrator service and starts its expiry sweep
func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver), zap.String("path", cfg.Store.Path))

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.governor, err = resilience.NewGovernor(governorConfig(cfg.Governor), logger,
		resilience.WithMetrics(resilience.NewMetrics(d.registry)))
	if err != nil {
		return nil, fmt.Errorf("creating governor: %w", err)
	}

	if cfg.Tuner.Enabled {
		d.tuner = resilience.NewTuner(d.governor, nil, tunerConfig(cfg), logger)
		if err := d.tuner.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting tuner: %w", err)
		}
	}

	d.library, d.index, err = newIndex(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Retrieval.Watch && cfg.Retrieval.TemplateFile != "" {
		if err := d.library.Watch(ctx); err != nil {
			logger.Warn("template hot reload disabled", zap.Error(err))
		}
	}

	llm, err := planner.NewOpenAI(planner.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey.Value(),
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("creating plan generator: %w", err)
	}
	logger.Info("plan generator configured",
		zap.String("base_url", cfg.LLM.BaseURL),
		zap.String("model", cfg.LLM.Model),
		logging.Secret("api_key", cfg.LLM.APIKey))
	plans := planner.New(planner.Config{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Candidates:  cfg.Retrieval.Candidates,
	}, llm, d.index, d.governor, logger)

	var (
		asr speech.Recognizer
		tts speech.Synthesizer
	)
	if cfg.Speech.Enabled() {
		uploader, err := speech.NewLocalUploader(cfg.Speech.AudioDir, cfg.Speech.PublicBaseURL, cfg.Speech.AudioPrefix)
		if err != nil {
			return nil, fmt.Errorf("creating audio uploader: %w", err)
		}
		d.audioDir = uploader.Dir()

		client := speech.ClientConfig{
			BaseURL: cfg.Speech.BaseURL,
			APIKey:  cfg.Speech.APIKey.Value(),
			Timeout: cfg.Speech.Timeout,
		}
		asrClient, err := speech.NewASRClient(client, d.governor, logger)
		if err != nil {
			return nil, fmt.Errorf("creating asr client: %w", err)
		}
		ttsClient, err := speech.NewTTSClient(speech.TTSConfig{
			ClientConfig: client,
			Voice:        cfg.Speech.Voice,
			SpeedRatio:   cfg.Speech.SpeedRatio,
		}, uploader, d.governor, logger)
		if err != nil {
			return nil, fmt.Errorf("creating tts client: %w", err)
		}
		asr, tts = asrClient, ttsClient
		logger.Info("speech clients initialized", zap.String("base_url", cfg.Speech.BaseURL))
	} else {
		logger.Info("speech disabled; replies carry text only")
	}

	if cfg.NATS.Enabled {
		d.natsConn, err = events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return nil, err
		}
		d.publisher = events.NewNATSPublisher(d.natsConn, cfg.NATS.Prefix, true)
		logger.Info("publishing chain events", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.Prefix))
	} else {
		d.publisher = events.Nop{}
	}

	orch := orchestrator.New(d.store, tts, saga.NewCompensator(logger), d.publisher, logger,
		orchestrator.WithSessionTTL(cfg.Session.TTL),
		orchestrator.WithTracer(tel.Tracer("github.com/fyrsmithlabs/voxchain/internal/orchestrator")),
	)
	d.service = orchestrator.NewService(orchestrator.ServiceConfig{
		SessionTTL:     cfg.Session.TTL,
		ExpirySchedule: cfg.Session.ExpirySchedule,
	}, orch, d.store, asr, plans, logger)
	if err := d.service.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting session sweep: %w", err)
	}

	return d, nil
}

// natsHealth reports a disconnected event bus.
func natsHealth(nc *nats.Conn) func(context.Context) error {
	return func(context.Context) error {
		if nc.IsConnected() {
			return nil
		}
		return errors.New("nats " + nc.Status().String())
	}
}

// telemetryHealth reports degraded telemetry providers.
func telemetryHealth(tel *telemetry.Telemetry) func(context.Context) error {
	return func(context.Context) error {
		h := tel.Health()
		if h.Healthy && !h.Degraded {
			return nil
		}
		return errors.New(h.Reason)
	}
}
