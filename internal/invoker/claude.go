package invoker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/vibeflow/orchestra/pkg/models"
)

// ClaudeConfig configures the Anthropic-backed invoker.
type ClaudeConfig struct {
	// Model is the Claude model to use. Defaults to Sonnet.
	Model anthropic.Model
	// APIKey is the resolved Anthropic API key. Required unless
	// UseAWSBedrock is set; resolution order is the caller's concern.
	APIKey string
	// SystemPrompt prefixes every invocation. A generic default is used
	// when empty.
	SystemPrompt string
	// MaxTokens bounds the response size. Defaults to 8192.
	MaxTokens int64
	// UseAWSBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string
	// AWSProfile is an optional AWS shared-config profile name.
	AWSProfile string
}

// Claude invokes tasks against the Anthropic Messages API. One
// invocation is a single request: the rendered prompt plus the resolved
// context, no tool loop.
type Claude struct {
	client       anthropic.Client
	model        anthropic.Model
	systemPrompt string
	maxTokens    int64
}

// NewClaude creates an Anthropic-backed invoker.
func NewClaude(cfg ClaudeConfig) (*Claude, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key required unless routing through Bedrock")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are an agent executing one step of a larger workflow. " +
			"Use the provided context from earlier steps and produce only the requested output."
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	return &Claude{
		client:       anthropic.NewClient(opts...),
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
	}, nil
}

// Invoke implements Invoker with a single Messages API call.
func (c *Claude) Invoke(ctx context.Context, task *models.Task, resolvedContext string) (*Result, error) {
	prompt := RenderPrompt(task, resolvedContext)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// API transport and rate-limit failures are worth retrying; the
		// scheduler's retry budget bounds the attempts.
		return nil, &InvocationError{Err: err, Retryable: true}
	}

	var output strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			output.WriteString(variant.Text)
		}
	}

	return &Result{
		Output:     output.String(),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// RenderPrompt builds the user prompt from the task's inputs and the
// resolved context. Inputs are rendered in sorted key order so identical
// specs produce identical prompts.
func RenderPrompt(task *models.Task, resolvedContext string) string {
	var b strings.Builder

	if resolvedContext != "" {
		b.WriteString("## Context from earlier steps\n\n")
		b.WriteString(resolvedContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Task\n\n")

	keys := make([]string, 0, len(task.PromptInputs))
	for k := range task.PromptInputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, task.PromptInputs[k])
	}

	return b.String()
}
