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

// Package ollama implements the chat backend for a local or remote
// Ollama server using its native API: /api/chat for rounds, /api/show
// for model metadata and /api/tags for installed models.
package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/model"
)

// OllamaHost is the environment variable consulted when no host is
// configured explicitly. The same variable steers the ollama CLI.
const OllamaHost = "OLLAMA_HOST"

const (
	defaultHost = "http://localhost:11434"
	defaultPort = "11434"

	// metadataTimeout bounds /api/show lookups so a missing server never
	// stalls graph execution.
	metadataTimeout = time.Second
)

// Backend talks to one Ollama server. It satisfies model.Backend and is
// safe for concurrent use.
type Backend struct {
	host   *url.URL
	http   *http.Client
	client *api.Client

	mu     sync.Mutex
	maxCtx map[string]int // model name -> discovered context window, 0 when unknown
}

var _ model.Backend = (*Backend)(nil)

// New resolves host and returns a backend bound to it. An empty host
// falls back to the OLLAMA_HOST environment variable, then to
// localhost:11434.
func New(host string) (*Backend, error) {
	base, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{}
	return &Backend{
		host:   base,
		http:   httpClient,
		client: api.NewClient(base, httpClient),
		maxCtx: make(map[string]int),
	}, nil
}

// Host reports the resolved base URL.
func (b *Backend) Host() *url.URL {
	return b.host
}

// normalizeHost resolves the configured host to a full base URL. A bare
// host gets the http scheme; a missing port defaults to 11434, or 443
// when the scheme is https.
func normalizeHost(host string) (*url.URL, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = strings.TrimSpace(os.Getenv(OllamaHost))
	}
	if host == "" {
		host = defaultHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if u.Port() == "" {
		port := defaultPort
		if u.Scheme == "https" {
			port = "443"
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// Chat runs one blocking round against /api/chat.
func (b *Backend) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	apiReq, err := buildChatRequest(req, false)
	if err != nil {
		return nil, err
	}
	var last api.ChatResponse
	err = b.client.Chat(ctx, apiReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convertResponse(last), nil
}

// ChatStream runs one streaming round, invoking fn for every chunk, and
// returns the assembled final response.
func (b *Backend) ChatStream(ctx context.Context, req *model.ChatRequest, fn model.StreamFunc) (*model.ChatResponse, error) {
	apiReq, err := buildChatRequest(req, true)
	if err != nil {
		return nil, err
	}

	final := &model.ChatResponse{Model: req.Model}
	var content, thinking strings.Builder
	err = b.client.Chat(ctx, apiReq, func(resp api.ChatResponse) error {
		chunk := convertResponse(resp)
		content.WriteString(chunk.Message.Content)
		thinking.WriteString(chunk.Message.Thinking)
		final.Message.ToolCalls = append(final.Message.ToolCalls, chunk.Message.ToolCalls...)
		if chunk.Done {
			final.Done = true
			final.Metrics = chunk.Metrics
			if final.Model == "" {
				final.Model = chunk.Model
			}
		}
		if fn != nil {
			return fn(chunk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	final.Message.Role = model.RoleAssistant
	final.Message.Content = content.String()
	final.Message.Thinking = thinking.String()
	return final, nil
}

// MaxContext reports the model's context window, discovered once per
// model from /api/show and cached. The lookup is bounded by
// metadataTimeout; failures report unknown without caching so a later
// call can retry.
func (b *Backend) MaxContext(ctx context.Context, modelName string) (int, bool) {
	b.mu.Lock()
	if cached, ok := b.maxCtx[modelName]; ok {
		b.mu.Unlock()
		return cached, cached > 0
	}
	b.mu.Unlock()

	showCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	resp, err := b.client.Show(showCtx, &api.ShowRequest{Model: modelName})
	if err != nil {
		log.Debugf("model metadata lookup failed for %s: %v", modelName, err)
		return 0, false
	}

	maxCtx := 0
	for key, value := range resp.ModelInfo {
		if key != "context_length" && !strings.HasSuffix(key, ".context_length") {
			continue
		}
		if n, ok := asInt(value); ok && n > maxCtx {
			maxCtx = n
		}
	}
	if n, ok := parseNumCtx(resp.Parameters); ok && n > maxCtx {
		maxCtx = n
	}

	b.mu.Lock()
	b.maxCtx[modelName] = maxCtx
	b.mu.Unlock()
	return maxCtx, maxCtx > 0
}

// ListModels returns the names of the models installed on the server.
func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	resp, err := b.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func buildChatRequest(req *model.ChatRequest, stream bool) (*api.ChatRequest, error) {
	out := &api.ChatRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Stream:   &stream,
		Options:  req.Options,
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		out.Tools = tools
	}
	if req.Format != "" {
		out.Format = json.RawMessage(strconv.Quote(req.Format))
	}
	if req.Think {
		out.Think = &api.ThinkValue{Value: true}
	}
	if req.KeepAlive != nil {
		out.KeepAlive = &api.Duration{Duration: *req.KeepAlive}
	}
	return out, nil
}

func convertMessages(messages []model.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		converted := api.Message{
			Role:     msg.Role.String(),
			Content:  msg.Content,
			Thinking: msg.Thinking,
			ToolName: msg.ToolName,
		}
		for _, img := range msg.Images {
			converted.Images = append(converted.Images, decodeImage(img))
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, api.ToolCall{
				ID: call.ID,
				Function: api.ToolCallFunction{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

// decodeImage turns a base64 payload into raw bytes. Payloads that do
// not decode are passed through untouched so the server reports the
// malformed image instead of the client guessing.
func decodeImage(data string) api.ImageData {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return api.ImageData(data)
	}
	return api.ImageData(raw)
}

// convertTools maps generic tool schema objects onto the typed API
// shape through a JSON round trip, which keeps the registry decoupled
// from the api package's schema structs.
func convertTools(tools []map[string]any) (api.Tools, error) {
	raw, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	var out api.Tools
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return out, nil
}

func convertResponse(resp api.ChatResponse) *model.ChatResponse {
	out := &model.ChatResponse{
		Model: resp.Model,
		Done:  resp.Done,
		Message: model.Message{
			Role:     model.Role(resp.Message.Role),
			Content:  resp.Message.Content,
			Thinking: resp.Message.Thinking,
			ToolName: resp.Message.ToolName,
		},
		Metrics: model.Metrics{
			TotalDuration:      resp.TotalDuration,
			LoadDuration:       resp.LoadDuration,
			PromptEvalCount:    resp.PromptEvalCount,
			PromptEvalDuration: resp.PromptEvalDuration,
			EvalCount:          resp.EvalCount,
			EvalDuration:       resp.EvalDuration,
		},
	}
	if out.Message.Role == "" {
		out.Message.Role = model.RoleAssistant
	}
	for _, call := range resp.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, model.ToolCall{
			ID: call.ID,
			Function: model.FunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}

func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// parseNumCtx scans the modelfile parameter dump for num_ctx lines and
// returns the largest value found.
func parseNumCtx(parameters string) (int, bool) {
	maxCtx := 0
	for _, line := range strings.Split(parameters, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "num_ctx" {
			continue
		}
		if n, err := strconv.Atoi(strings.Trim(fields[1], `"`)); err == nil && n > maxCtx {
			maxCtx = n
		}
	}
	return maxCtx, maxCtx > 0
}
