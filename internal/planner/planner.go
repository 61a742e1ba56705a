// Package planner turns an utterance into a task plan with a language model,
// grounding the prompt with retrieved command templates.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/resilience"
	"github.com/fyrsmithlabs/voxchain/internal/retrieval"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

const instrumentationName = "github.com/fyrsmithlabs/voxchain/internal/planner"

// Fallback replies.
const (
	ReplyUnavailable = "LLM service temporarily unavailable"
	ReplyParseFailed = "parse failed"
	ReplyBadFormat   = "LLM response format error"
)

// Generator is the subset of llms.Model the planner needs.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Retriever supplies grounding candidates.
type Retriever interface {
	Retrieve(ctx context.Context, text, osName string, k int) ([]retrieval.Match, error)
}

// Config configures plan generation.
type Config struct {
	// Model is the chat model name sent with every request.
	Model string
	// Temperature for generation (default: 0.2)
	Temperature float64
	// Candidates is how many templates ground the prompt (default: 5)
	Candidates int
}

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.Candidates <= 0 {
		c.Candidates = 5
	}
	return c
}

// Planner generates plans. It never fails on dependency errors; those
// degrade to an empty plan with an explanatory reply.
type Planner struct {
	cfg       Config
	gen       Generator
	retriever Retriever
	gov       *resilience.Governor
	logger    *zap.Logger
}

// New creates a planner. retriever may be nil, in which case prompts carry
// no candidates.
func New(cfg Config, gen Generator, retriever Retriever, gov *resilience.Governor, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		cfg:       cfg.withDefaults(),
		gen:       gen,
		retriever: retriever,
		gov:       gov,
		logger:    logger,
	}
}

// OpenAIConfig configures an OpenAI-compatible chat model.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewOpenAI creates a langchaingo OpenAI-compatible chat model.
func NewOpenAI(cfg OpenAIConfig) (*openai.LLM, error) {
	if cfg.BaseURL == "" || cfg.Model == "" {
		return nil, errors.New("llm base URL and model are required")
	}
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return llm, nil
}

// Plan asks the model for a plan for text in the client environment env.
// Only blank text is an error.
func (p *Planner) Plan(ctx context.Context, text string, env map[string]string) (taskchain.Plan, error) {
	if strings.TrimSpace(text) == "" {
		return taskchain.Plan{}, apperr.Validation("utterance text is required")
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "planner.Plan")
	defer span.End()

	candidates := p.candidates(ctx, text, env)
	prompt := BuildPrompt(env, candidates)

	content, err := resilience.Do(ctx, p.gov, resilience.LLM, func(ctx context.Context) (string, error) {
		resp, err := p.gen.GenerateContent(ctx, []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeSystem, prompt),
			llms.TextParts(schema.ChatMessageTypeHuman, text),
		}, llms.WithModel(p.cfg.Model), llms.WithTemperature(p.cfg.Temperature))
		if err != nil {
			return "", err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return "", errNoChoices
		}
		return resp.Choices[0].Content, nil
	})
	if err != nil {
		if errors.Is(err, errNoChoices) {
			return taskchain.Plan{Reply: ReplyBadFormat, Tasks: []taskchain.PlannedTask{}}, nil
		}
		p.logger.Warn("plan generation failed", zap.Error(err))
		span.RecordError(err)
		return taskchain.Plan{Reply: ReplyUnavailable, Tasks: []taskchain.PlannedTask{}}, nil
	}

	plan := ParsePlan(content)
	span.SetAttributes(attribute.Int("tasks", len(plan.Tasks)), attribute.Int("candidates", len(candidates)))
	p.logger.Info("generated plan",
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("candidates", len(candidates)))
	return plan, nil
}

var errNoChoices = apperr.Validation("model returned no choices")

func (p *Planner) candidates(ctx context.Context, text string, env map[string]string) []retrieval.Match {
	if p.retriever == nil {
		return nil
	}
	matches, err := p.retriever.Retrieve(ctx, text, env[taskchain.EnvOS], p.cfg.Candidates)
	if err != nil {
		p.logger.Warn("retrieval failed, prompting without candidates", zap.Error(err))
		return nil
	}
	return matches
}

// BuildPrompt renders the system prompt: the client environment, the
// numbered candidate commands and the JSON shape to answer with.
func BuildPrompt(env map[string]string, candidates []retrieval.Match) string {
	var sb strings.Builder
	sb.WriteString("You are a voice assistant that turns requests into shell commands run on the user's machine.\n")

	sb.WriteString("Client environment:\n")
	if len(env) == 0 {
		sb.WriteString("no client environment provided\n")
	} else {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, env[k])
		}
	}

	if len(candidates) > 0 {
		sb.WriteString("Reference commands:\n")
		for i, c := range candidates {
			if i == 5 {
				break
			}
			fmt.Fprintf(&sb, "%d. %s - %s\n", i+1, c.Command, c.Description)
		}
	}

	sb.WriteString(`Produce a JSON task chain, preferring the reference commands adapted to the environment.
Each cmd must run directly in the client shell without a shell prefix.
Answer with JSON only:
{
  "reply": "",
  "tasks": [
    {"title": "", "cmd": "", "undo_cmd": "", "max_retries": 3}
  ]
}
`)
	return sb.String()
}

// Sanitize extracts the outermost JSON object from model output.
func Sanitize(content string) string {
	content = strings.TrimSpace(content)
	first := strings.IndexByte(content, '{')
	last := strings.LastIndexByte(content, '}')
	if first == -1 || last == -1 || first >= last {
		return `{"reply":"` + ReplyParseFailed + `","tasks":[]}`
	}
	return content[first : last+1]
}

// ParsePlan sanitises and decodes model output. Unparsable output becomes
// an empty plan with ReplyParseFailed; tasks without a command are dropped.
func ParsePlan(content string) taskchain.Plan {
	var plan taskchain.Plan
	if err := json.Unmarshal([]byte(Sanitize(content)), &plan); err != nil {
		return taskchain.Plan{Reply: ReplyParseFailed, Tasks: []taskchain.PlannedTask{}}
	}
	tasks := make([]taskchain.PlannedTask, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		t.Command = strings.TrimSpace(t.Command)
		if t.Command == "" {
			continue
		}
		if strings.TrimSpace(t.Title) == "" {
			t.Title = t.Command
		}
		tasks = append(tasks, t)
	}
	plan.Tasks = tasks
	return plan
}
