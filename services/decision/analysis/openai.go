// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/kestrelworks/diskwarden/services/decision/record"
	"github.com/kestrelworks/diskwarden/services/decision/resilience"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultSecretPath = "/run/secrets/openai_api_key"

	// requestsPerMinute paces outbound calls below the provider's
	// default tier limit.
	requestsPerMinute = 60
)

// analysisFunctionName is the function-calling tool the model must
// answer through. Forcing the tool keeps responses machine-parseable.
const analysisFunctionName = "analyze_files_for_cleanup"

var analysisFunctionParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"file_analyses": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Full file path"},
					"deletion_recommendation": {
						"type": "string",
						"enum": ["delete", "keep", "manual_review"],
						"description": "Recommendation for file deletion"
					},
					"confidence": {
						"type": "string",
						"enum": ["low", "medium", "high", "very_high"],
						"description": "Confidence level in recommendation"
					},
					"reason": {"type": "string", "description": "Reason for recommendation"},
					"category": {"type": "string", "description": "File category (temp, cache, log, document, etc.)"},
					"risk_level": {
						"type": "string",
						"enum": ["low", "medium", "high", "critical"],
						"description": "Risk level if deleted"
					}
				},
				"required": ["path", "deletion_recommendation", "confidence", "reason", "category", "risk_level"]
			}
		}
	},
	"required": ["file_analyses"]
}`)

const systemPrompt = "You are a disk cleanup analyst. You receive file metadata only, " +
	"never file content. Classify each file and recommend delete, keep, or " +
	"manual_review, with a confidence level and the risk of a wrong deletion."

// OpenAIClient implements Client against the OpenAI chat completions
// API using forced function calling.
//
// The API key is resolved once at construction, from the
// OPENAI_API_KEY environment variable or a mounted secret file, and
// held in an mlocked enclave until the underlying client is built.
//
// Thread Safety: safe for concurrent use.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// OpenAIOption customizes client construction.
type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	model      string
	secretPath string
	baseURL    string
}

// WithModel overrides the default model.
func WithModel(model string) OpenAIOption {
	return func(o *openAIOptions) { o.model = model }
}

// WithSecretPath overrides the secret file consulted when the
// environment variable is unset.
func WithSecretPath(path string) OpenAIOption {
	return func(o *openAIOptions) { o.secretPath = path }
}

// WithBaseURL points the client at an alternate endpoint. For tests
// and OpenAI-compatible local gateways.
func WithBaseURL(u string) OpenAIOption {
	return func(o *openAIOptions) { o.baseURL = u }
}

// NewOpenAIClient resolves the API key and builds a client.
//
// Outputs:
//
//	*OpenAIClient - The configured client.
//	error - Auth-classified when no key can be found.
func NewOpenAIClient(logger *slog.Logger, opts ...OpenAIOption) (*OpenAIClient, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	options := openAIOptions{
		model:      defaultModel,
		secretPath: defaultSecretPath,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if m := os.Getenv("OPENAI_MODEL"); m != "" && options.model == defaultModel {
		options.model = m
	}

	enclave, err := resolveAPIKey(options.secretPath, logger)
	if err != nil {
		return nil, err
	}
	key, err := enclave.Open()
	if err != nil {
		return nil, resilience.NewError(resilience.KindAuth, fmt.Errorf("opening key enclave: %w", err))
	}
	cfg := openai.DefaultConfig(key.String())
	key.Destroy()
	if options.baseURL != "" {
		cfg.BaseURL = options.baseURL
	}

	logger.Info("analysis client initialized", "model", options.model)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   options.model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), 1),
		logger:  logger,
	}, nil
}

// resolveAPIKey reads the key from the environment or the secret file
// and seals it in an enclave. The key never appears in logs.
func resolveAPIKey(secretPath string, logger *slog.Logger) (*memguard.Enclave, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return memguard.NewEnclave([]byte(key)), nil
	}

	raw, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, resilience.NewError(resilience.KindAuth,
			fmt.Errorf("OPENAI_API_KEY not set and secret %s unreadable: %w", secretPath, err))
	}
	logger.Info("api key loaded from secret file", "path", secretPath)
	return memguard.NewEnclave([]byte(strings.TrimSpace(string(raw)))), nil
}

// AnalyzeBatch sends one forced function-calling request for the
// batch and returns one verdict per record, in input order.
func (c *OpenAIClient) AnalyzeBatch(ctx context.Context, recs []record.FileRecord) ([]Verdict, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, resilience.NewError(resilience.KindTimeout, err)
	}

	payload, err := json.MarshalIndent(toMetadata(recs), "", "  ")
	if err != nil {
		return nil, resilience.NewError(resilience.KindMalformed, err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(payload)},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        analysisFunctionName,
				Description: "Analyze file metadata to determine if files can be safely deleted",
				Parameters:  analysisFunctionParameters,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: analysisFunctionName},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		classified := classifyTransportError(err)
		c.logger.Warn("analysis request failed",
			"files", len(recs),
			"error_kind", resilience.ClassifyError(classified),
			"error", err)
		return nil, classified
	}

	verdicts, err := parseToolResponse(resp, recs)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("analysis batch complete",
		"files", len(recs),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return verdicts, nil
}

func buildPrompt(metadata []byte) string {
	var b strings.Builder
	b.WriteString("Analyze the following file metadata and determine which files can be safely deleted for disk cleanup.\n\n")
	b.WriteString("IMPORTANT: You are ONLY receiving metadata (file paths, sizes, dates, extensions), no file content.\n\n")
	b.WriteString("File metadata to analyze:\n")
	b.Write(metadata)
	b.WriteString("\n\nUse the " + analysisFunctionName + " function to provide your analysis for each file.")
	return b.String()
}

// parseToolResponse extracts the forced tool call and aligns its
// verdicts with the input order. Any structural mismatch is a
// Server-classified error so the caller retries or falls back.
func parseToolResponse(resp openai.ChatCompletionResponse, recs []record.FileRecord) ([]Verdict, error) {
	if len(resp.Choices) == 0 {
		return nil, resilience.NewError(resilience.KindServer, errors.New("response has no choices"))
	}

	var args string
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name == analysisFunctionName {
			args = call.Function.Arguments
			break
		}
	}
	if args == "" {
		return nil, resilience.NewError(resilience.KindServer, errors.New("response missing analysis tool call"))
	}

	var parsed struct {
		FileAnalyses []struct {
			Path           string `json:"path"`
			Recommendation string `json:"deletion_recommendation"`
			Confidence     string `json:"confidence"`
			Reason         string `json:"reason"`
			Category       string `json:"category"`
			RiskLevel      string `json:"risk_level"`
		} `json:"file_analyses"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, resilience.NewError(resilience.KindServer, fmt.Errorf("unparseable tool arguments: %w", err))
	}

	byPath := make(map[string]Verdict, len(parsed.FileAnalyses))
	for _, fa := range parsed.FileAnalyses {
		conf, ok := confidenceValue[strings.ToLower(fa.Confidence)]
		if !ok {
			conf = confidenceValue["low"]
		}
		byPath[fa.Path] = Verdict{
			Path:           fa.Path,
			Recommendation: normalizeRecommendation(fa.Recommendation),
			Confidence:     conf,
			Reason:         fa.Reason,
			Category:       fa.Category,
			RiskLevel:      fa.RiskLevel,
		}
	}

	out := make([]Verdict, len(recs))
	for i, r := range recs {
		v, ok := byPath[r.AbsolutePath]
		if !ok {
			return nil, resilience.NewError(resilience.KindServer,
				fmt.Errorf("response missing verdict for %s", r.AbsolutePath))
		}
		out[i] = v
	}
	return out, nil
}

func normalizeRecommendation(s string) Recommendation {
	switch Recommendation(strings.ToLower(s)) {
	case RecommendDelete:
		return RecommendDelete
	case RecommendKeep:
		return RecommendKeep
	default:
		return RecommendManualReview
	}
}

// classifyTransportError maps provider and network failures onto the
// resilience taxonomy so the retry and breaker layers can act on kind
// alone.
func classifyTransportError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return resilience.NewError(resilience.KindAuth, err)
		case apiErr.HTTPStatusCode == 429:
			if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
				return resilience.NewError(resilience.KindQuotaExceeded, err)
			}
			return resilience.NewError(resilience.KindRateLimit, err)
		case apiErr.HTTPStatusCode == 400:
			return resilience.NewError(resilience.KindMalformed, err)
		case apiErr.HTTPStatusCode >= 500:
			return resilience.NewError(resilience.KindServer, err)
		default:
			return resilience.NewError(resilience.KindUnknown, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return resilience.NewError(resilience.KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return resilience.NewError(resilience.KindTimeout, err)
		}
		return resilience.NewError(resilience.KindNetwork, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return resilience.NewError(resilience.KindNetwork, err)
	}

	return resilience.NewError(resilience.KindNetwork, err)
}
