package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/metrics"
	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/pkg/circuitbreaker"
	"github.com/xrayvision/backend/pkg/config"
	"github.com/xrayvision/backend/pkg/logger"
	"github.com/xrayvision/backend/pkg/retry"
)

// Request is one exam handed to the engine for analysis.
type Request struct {
	PNG        []byte
	Region     string
	AgeYears   int
	Sex        string
	Projection string
	// PriorReport is the previous AI report text for the same patient and
	// region. Empty when there is none; analysis never waits for it.
	PriorReport string
}

// Result is the parsed outcome of one successful inference call.
type Result struct {
	Positive    models.TriState
	Description string
	Confidence  int
	Model       string
	Endpoint    string
	LatencyMS   int64
}

type endpoint struct {
	name   string
	client *openai.Client
	cb     *circuitbreaker.CircuitBreaker
}

// Engine calls the analysis endpoints in order and returns the first
// well-formed result. Transport failures, timeouts and malformed responses
// all fail over to the next endpoint.
type Engine struct {
	endpoints   []*endpoint
	prompts     *PromptSet
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	retryConfig retry.Config
}

func newEndpoint(name, baseURL, apiKey string) *endpoint {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	cb := circuitbreaker.NewCircuitBreaker("inference-"+name, circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	return &endpoint{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		cb:     cb,
	}
}

func NewEngine(cfg config.InferenceConfig, prompts *PromptSet) *Engine {
	var endpoints []*endpoint
	if cfg.PrimaryURL != "" {
		endpoints = append(endpoints, newEndpoint("primary", cfg.PrimaryURL, cfg.APIKey))
	}
	if cfg.SecondaryURL != "" {
		endpoints = append(endpoints, newEndpoint("secondary", cfg.SecondaryURL, cfg.APIKey))
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	retryConfig := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Inference engine initialized",
		zap.String("model", cfg.Model),
		zap.Int("endpoints", len(endpoints)),
	)

	return &Engine{
		endpoints:   endpoints,
		prompts:     prompts,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		retryConfig: retryConfig,
	}
}

// Analyze runs the exam through the endpoints in configured order. The
// returned latency covers only the call that produced the result.
func (e *Engine) Analyze(ctx context.Context, req Request) (*Result, error) {
	if len(e.endpoints) == 0 {
		return nil, fmt.Errorf("no inference endpoints configured")
	}

	prompt := BuildUserPrompt(e.prompts.For(req.Region), req.AgeYears, req.Sex, req.Projection, req.PriorReport)
	imageURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.PNG)

	var lastErr error
	for i, ep := range e.endpoints {
		result, err := e.callEndpoint(ctx, ep, prompt, imageURL)
		if err != nil {
			lastErr = err
			if i < len(e.endpoints)-1 {
				metrics.InferenceFailovers.Inc()
			}
			logger.Warn("Inference endpoint failed, failing over",
				zap.String("endpoint", ep.name),
				zap.Error(err),
			)
			continue
		}
		metrics.InferenceDuration.WithLabelValues(ep.name).Observe(float64(result.LatencyMS) / 1000.0)
		return result, nil
	}
	return nil, fmt.Errorf("all inference endpoints failed: %w", lastErr)
}

func (e *Engine) callEndpoint(ctx context.Context, ep *endpoint, prompt, imageURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
				},
			},
		},
	}

	var result *Result

	err := ep.cb.Execute(ctx, func() error {
		return retry.Do(ctx, e.retryConfig, func() error {
			start := time.Now()
			resp, err := ep.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       e.model,
					Messages:    messages,
					Temperature: e.temperature,
					MaxTokens:   e.maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			parsed, err := parseResult(resp.Choices[0].Message.Content)
			if err != nil {
				return err
			}

			parsed.Model = resp.Model
			if parsed.Model == "" {
				parsed.Model = e.model
			}
			parsed.Endpoint = ep.name
			parsed.LatencyMS = time.Since(start).Milliseconds()
			result = parsed

			logger.Debug("Inference completed",
				zap.String("endpoint", ep.name),
				zap.String("finding", parsed.Positive.String()),
				zap.Int("confidence", parsed.Confidence),
				zap.Int64("latency_ms", parsed.LatencyMS),
			)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type rawResult struct {
	Positive    bool    `json:"positive"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// parseResult extracts the JSON answer from the completion text. Models
// occasionally wrap the object in prose or a code fence, so the outermost
// braces bound the candidate.
func parseResult(content string) (*Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("completion contains no JSON object")
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse completion JSON: %w", err)
	}

	confidence := int(raw.Confidence)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	positive := models.Negative
	if raw.Positive {
		positive = models.Positive
	}

	return &Result{
		Positive:    positive,
		Description: strings.TrimSpace(raw.Description),
		Confidence:  confidence,
	}, nil
}
