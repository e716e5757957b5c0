package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

// Request is one capability invocation
type Request struct {
	WorkspaceID   string
	CapabilityKey string
	Inputs        map[string]any
	ExecutorHint  string
}

// Response is the parsed capability output
type Response struct {
	Status     model.ResultStatus
	Payload    json.RawMessage
	Notes      string
	Model      string
	TokensUsed int
}

// Generator is the chat model surface the runner needs
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
}

// GeneratorFactory builds a generator for a model name
type GeneratorFactory func(ctx context.Context, modelName string) (Generator, error)

// ProviderConfig configures the OpenAI-compatible provider
type ProviderConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// OpenAIFactory returns a factory creating eino OpenAI chat models
func OpenAIFactory(cfg ProviderConfig) GeneratorFactory {
	return func(ctx context.Context, modelName string) (Generator, error) {
		modelConfig := &einoopenai.ChatModelConfig{
			APIKey: cfg.APIKey,
			Model:  modelName,
		}

		if cfg.BaseURL != "" {
			modelConfig.BaseURL = cfg.BaseURL
		}

		if cfg.Timeout > 0 {
			modelConfig.Timeout = cfg.Timeout
		} else {
			modelConfig.Timeout = 60 * time.Second
		}

		temp := float32(cfg.Temperature)
		modelConfig.Temperature = &temp

		return einoopenai.NewChatModel(ctx, modelConfig)
	}
}

// LLMRunner runs catalog capabilities against a chat model
type LLMRunner struct {
	logger       *zap.Logger
	catalog      *Catalog
	defaultModel string
	factory      GeneratorFactory

	mu         sync.Mutex
	generators map[string]Generator
}

// NewLLMRunner creates a capability runner
func NewLLMRunner(catalog *Catalog, defaultModel string, factory GeneratorFactory, logger *zap.Logger) *LLMRunner {
	return &LLMRunner{
		logger:       logger.Named("capability-runner"),
		catalog:      catalog,
		defaultModel: defaultModel,
		factory:      factory,
		generators:   make(map[string]Generator),
	}
}

func (r *LLMRunner) generator(ctx context.Context, modelName string) (Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.generators[modelName]; ok {
		return g, nil
	}
	g, err := r.factory(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model %s: %w", modelName, err)
	}
	r.generators[modelName] = g
	return g, nil
}

// Run invokes the capability and parses its JSON output. Once the model has
// answered, the response is returned even alongside an error, so callers can
// account for the tokens a rejected answer used.
func (r *LLMRunner) Run(ctx context.Context, req Request) (*Response, error) {
	def, err := r.catalog.Get(req.CapabilityKey)
	if err != nil {
		return nil, err
	}

	modelName := def.Model
	if modelName == "" {
		modelName = r.defaultModel
	}
	gen, err := r.generator(ctx, modelName)
	if err != nil {
		return nil, err
	}

	messages, err := buildMessages(def, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := gen.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("capability %s: model call failed: %w", req.CapabilityKey, err)
	}

	tokens := 0
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		tokens = msg.ResponseMeta.Usage.TotalTokens
	}

	resp, err := parseOutput(msg.Content)
	if err != nil {
		return &Response{Status: model.ResultError, Model: modelName, TokensUsed: tokens},
			fmt.Errorf("capability %s: %w", req.CapabilityKey, err)
	}
	resp.Model = modelName
	resp.TokensUsed = tokens

	r.logger.Debug("Capability completed",
		zap.String("workspace_id", req.WorkspaceID),
		zap.String("capability", req.CapabilityKey),
		zap.String("model", modelName),
		zap.Int("tokens", resp.TokensUsed),
		zap.Duration("duration", time.Since(start)))

	if resp.Status == model.ResultError {
		return resp, fmt.Errorf("%w: %s: %s", ErrCapabilityFailed, req.CapabilityKey, resp.Notes)
	}
	return resp, nil
}

func buildMessages(def Definition, req Request) ([]*schema.Message, error) {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capability inputs: %w", err)
	}

	outputHint := def.OutputHint
	if outputHint == "" {
		outputHint = `{"type":"object","description":"Return a JSON object."}`
	}
	executor := req.ExecutorHint
	if executor == "" {
		executor = "n/a"
	}

	system := strings.Join([]string{
		def.SystemPrompt,
		"You MUST output valid JSON only, matching the described fields. Do NOT include markdown fences.",
	}, "\n")

	user := strings.Join([]string{
		"CAPABILITY_KEY: " + def.Key,
		"EXECUTOR: " + executor,
		"WORKSPACE_ID: " + req.WorkspaceID,
		"INPUTS: " + string(data),
		"OUTPUT_SCHEMA_HINT: " + outputHint,
		"Return ONLY the JSON result.",
	}, "\n")

	return []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}, nil
}

// parseOutput decodes the model's JSON object, tolerating a markdown fence.
// An optional top-level "status" of NEEDS_INFO or ERROR and a "notes" string
// are lifted into the response.
func parseOutput(raw string) (*Response, error) {
	raw = strings.TrimSpace(raw)
	if !json.Valid([]byte(raw)) {
		raw = stripFence(raw)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	resp := &Response{Status: model.ResultOK, Payload: json.RawMessage(raw)}

	var status string
	if v, ok := fields["status"]; ok && json.Unmarshal(v, &status) == nil {
		switch model.ResultStatus(strings.ToUpper(status)) {
		case model.ResultNeedsInfo:
			resp.Status = model.ResultNeedsInfo
		case model.ResultError:
			resp.Status = model.ResultError
		}
	}
	if v, ok := fields["notes"]; ok {
		_ = json.Unmarshal(v, &resp.Notes)
	}
	return resp, nil
}

func stripFence(raw string) string {
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}
