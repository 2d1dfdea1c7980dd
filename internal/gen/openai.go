package gen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/throw-if-null/drafthouse/internal/logging"
)

const specificationPrompt = `You write concise product specifications for web applications.
Answer in markdown. Start with a single "# <Product name>" heading, then a
"## Overview" section with one paragraph, then a "## Core Features" section
with at most six "- Title: description" bullets, then any further sections.`

const codePrompt = `You write Next.js 14 app router projects in TypeScript with Tailwind CSS.
Respond with one JSON object and nothing else:
{"files": [{"path": "app/dashboard/page.tsx", "content": "..."}]}
Do not emit package.json scripts, next.config files, tsconfig.json or the
root layout; the platform provides them. Use @tanstack/react-query v5,
sonner for toasts and zustand for client state. Components using hooks or
event handlers must start with 'use client'.`

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAI is a Generator backed by an OpenAI compatible chat completion API.
type OpenAI struct {
	client openai.Client
	cfg    OpenAIConfig
	log    *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		log:    logging.For("gen"),
	}
}

func (o *OpenAI) Specification(ctx context.Context, brief string) (string, error) {
	return o.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(specificationPrompt),
		openai.UserMessage(brief),
	})
}

func (o *OpenAI) Code(ctx context.Context, brief, spec string, correction *Correction) (string, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(codePrompt),
		openai.UserMessage("Brief:\n" + brief + "\n\nSpecification:\n" + spec),
	}
	if correction != nil {
		msgs = append(msgs,
			openai.AssistantMessage(correction.Previous),
			openai.UserMessage("The previous response has these problems. Return the full corrected JSON object.\n"+correction.Findings),
		)
	}
	return o.complete(ctx, msgs)
}

func (o *OpenAI) complete(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.cfg.Model),
		Messages: msgs,
	}
	if o.cfg.Temperature > 0 {
		params.Temperature = openai.Float(o.cfg.Temperature)
	}
	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		o.log.Error("chat completion failed", "model", o.cfg.Model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformed)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	o.log.Debug("chat completion", "model", o.cfg.Model, "chars", len(content), "elapsed", time.Since(start))
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrMalformed)
	}
	return content, nil
}
