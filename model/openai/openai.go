//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

// Package openai implements the chat backend for OpenAI-compatible
// services. It is the secondary provider: graphs select it with
// backend="openai" and point host at any compatible endpoint.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/model"
)

// Backend talks to an OpenAI-compatible chat completion service. It
// satisfies model.Backend and is safe for concurrent use.
type Backend struct {
	client openai.Client
	http   *http.Client
}

var _ model.Backend = (*Backend)(nil)

// New returns a backend for the given base URL. An empty baseURL keeps
// the SDK default (api.openai.com); an empty apiKey defers to the
// OPENAI_API_KEY environment variable the SDK reads on its own.
func New(baseURL, apiKey string) *Backend {
	httpClient := &http.Client{}
	opts := []openaiopt.RequestOption{openaiopt.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(apiKey))
	}
	return &Backend{client: openai.NewClient(opts...), http: httpClient}
}

// Chat runs one blocking chat completion round.
func (b *Backend) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	params := buildParams(req)
	start := time.Now()
	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return convertCompletion(completion, time.Since(start)), nil
}

// ChatStream runs one streaming round, invoking fn with every content
// delta, and returns the assembled final response.
func (b *Backend) ChatStream(ctx context.Context, req *model.ChatRequest, fn model.StreamFunc) (*model.ChatResponse, error) {
	params := buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	start := time.Now()
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" || fn == nil {
			continue
		}
		delta := &model.ChatResponse{
			Model: chunk.Model,
			Message: model.Message{
				Role:    model.RoleAssistant,
				Content: chunk.Choices[0].Delta.Content,
			},
		}
		if err := fn(delta); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return convertCompletion(&acc.ChatCompletion, time.Since(start)), nil
}

// MaxContext reports unknown: the completion API exposes no context
// window metadata, so callers keep whatever num_ctx they were given.
func (b *Backend) MaxContext(ctx context.Context, modelName string) (int, bool) {
	return 0, false
}

// ListModels returns the ids of the models the service advertises.
func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Cleanup drops idle connections. There is no per-model unload on a
// hosted service.
func (b *Backend) Cleanup(modelName string) {
	b.http.CloseIdleConnections()
}

func buildParams(req *model.ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: convertMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.Format == "json" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	if temp, ok := req.Options["temperature"].(float64); ok {
		params.Temperature = openai.Float(temp)
	}
	switch seed := req.Options["seed"].(type) {
	case int:
		params.Seed = openai.Int(int64(seed))
	case int64:
		params.Seed = openai.Int(seed)
	case float64:
		params.Seed = openai.Int(int64(seed))
	}
	return params
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	var calls, results int
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for _, call := range msg.ToolCalls {
				id := call.ID
				if id == "" {
					id = autoCallID(calls)
				}
				calls++
				args, err := json.Marshal(call.Function.Arguments)
				if err != nil {
					log.Debugf("encode tool call arguments for %s: %v", call.Function.Name, err)
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: id,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Function.Name,
						Arguments: string(args),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case model.RoleTool:
			id := msg.ToolID
			if id == "" {
				id = autoCallID(results)
			}
			results++
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCallID: id,
				},
			})
		default:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}
	return result
}

// autoCallID synthesizes a deterministic call id for histories produced
// by backends without ids. Calls and their results are appended in the
// same order, so positional ids line up.
func autoCallID(n int) string {
	return fmt.Sprintf("auto_call_%d", n)
}

func convertTools(tools []map[string]any) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, schema := range tools {
		fn, ok := schema["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		description, _ := fn["description"].(string)
		param := openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(description),
			},
		}
		if parameters, ok := fn["parameters"].(map[string]any); ok {
			param.Function.Parameters = shared.FunctionParameters(parameters)
		}
		result = append(result, param)
	}
	return result
}

func convertCompletion(completion *openai.ChatCompletion, elapsed time.Duration) *model.ChatResponse {
	resp := &model.ChatResponse{
		Model: completion.Model,
		Done:  true,
		Message: model.Message{
			Role: model.RoleAssistant,
		},
		Metrics: model.Metrics{
			TotalDuration:   elapsed,
			PromptEvalCount: int(completion.Usage.PromptTokens),
			EvalCount:       int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) == 0 {
		return resp
	}
	choice := completion.Choices[0]
	resp.Message.Content = choice.Message.Content
	for i, call := range choice.Message.ToolCalls {
		id := call.ID
		if id == "" {
			id = autoCallID(i)
		}
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				log.Debugf("decode tool call arguments for %s: %v", call.Function.Name, err)
			}
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, model.ToolCall{
			ID: id,
			Function: model.FunctionCall{
				Name:      call.Function.Name,
				Arguments: args,
			},
		})
	}
	return resp
}
