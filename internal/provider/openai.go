package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"databot/internal/domain"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider talks to the OpenAI chat completion API, or any
// OpenAI-compatible endpoint when a base URL is configured.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional; for OpenAI-compatible gateways
	Model   string
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}
}

func (p *OpenAIProvider) Name() string         { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	choice := resp.Choices[0]
	return &domain.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    convertToolCalls(choice.Message.ToolCalls),
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatStream forwards completion increments to out. Tool-call fragments are
// passed through unassembled, keyed by the API's per-call index; the consumer
// accumulates them. out is not closed here.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamChunk) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req))
	if err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if isStreamEOF(err) {
				return nil
			}
			return fmt.Errorf("stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		delta := choice.Delta

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			chunk := domain.StreamChunk{
				IsToolCall:     true,
				ToolCallIndex:  index,
				ToolCallID:     tc.ID,
				ToolName:       tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if delta.Content != "" || choice.FinishReason != "" {
			chunk := domain.StreamChunk{
				Delta:        delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			if resp.Usage != nil {
				chunk.Usage = &domain.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *OpenAIProvider) buildRequest(req domain.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
}

func convertMessages(messages []domain.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: m.Role}

		switch m.Role {
		case "user":
			if len(m.Media) > 0 {
				parts := []openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: m.Content,
				}}
				for _, url := range m.Media {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    url,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				msg.MultiContent = parts
			} else {
				msg.Content = m.Content
			}
		case "assistant":
			msg.Content = m.Content
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		case "tool":
			msg.Content = m.Content
			msg.ToolCallID = m.ToolCallID
		default:
			msg.Content = m.Content
		}

		result = append(result, msg)
	}
	return result
}

func convertTools(tools []domain.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// convertToolCalls parses API tool calls into domain form. Arguments that
// fail JSON parsing are wrapped as {"raw": ...}; calls missing an ID get a
// generated one so tool-result turns can always reference them.
func convertToolCalls(calls []openai.ToolCall) []domain.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]domain.ToolCall, 0, len(calls))
	for _, tc := range calls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args == nil {
			args = map[string]any{"raw": tc.Function.Arguments}
		}
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		result = append(result, domain.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result
}

func isStreamEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

var (
	_ domain.Provider          = (*OpenAIProvider)(nil)
	_ domain.StreamingProvider = (*OpenAIProvider)(nil)
)
