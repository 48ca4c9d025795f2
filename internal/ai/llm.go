package ai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
)

// LLMDecider drives any OpenAI-compatible chat endpoint (OpenAI, DeepSeek,
// OpenRouter, local servers) through a tool-calling loop.
type LLMDecider struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *logger.Logger
}

func NewLLMDecider(mc config.ModelConfig, log *logger.Logger) *LLMDecider {
	ocfg := openai.DefaultConfig(mc.APIKey)
	if mc.BaseURL != "" {
		ocfg.BaseURL = mc.BaseURL
	}
	return &LLMDecider{
		client:      openai.NewClientWithConfig(ocfg),
		model:       mc.Model,
		temperature: mc.Temperature,
		logger:      log,
	}
}

// Decide runs the conversation until the model answers without tool calls.
// Every tool call draws from dc.Budget; once it is spent tools are withdrawn
// and the model is asked for its final answer.
func (d *LLMDecider) Decide(ctx context.Context, dc *DecisionContext) (*Decision, error) {
	budget := dc.Budget
	if budget == nil {
		budget = NewToolBudget(0)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(dc)},
	}
	log := d.logger.Agent(dc.AgentID)
	final := false

	for {
		req := openai.ChatCompletionRequest{
			Model:       d.model,
			Messages:    messages,
			Temperature: d.temperature,
		}
		if !final {
			req.Tools = toolDefinitions
		}

		resp, err := d.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", d.model, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("model %s returned no choices", d.model)
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			log.Debug("model response", "content", msg.Content)
			decision, err := ParseDecision(msg.Content)
			if err != nil {
				return nil, err
			}
			decision.ToolCalls = budget.Used()
			return decision, nil
		}
		if final {
			return nil, fmt.Errorf("model %s kept calling tools after the budget ran out: %w", d.model, ErrBudgetExhausted)
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			out := toJSON(map[string]string{"error": ErrBudgetExhausted.Error()})
			if budget.Take() {
				out = runTool(dc, tc.Function.Name, tc.Function.Arguments)
				log.Debug("tool call", "tool", tc.Function.Name, "args", tc.Function.Arguments)
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
		}

		if budget.Remaining() <= 0 {
			final = true
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: finalAnswerPrompt,
			})
		}
	}
}
