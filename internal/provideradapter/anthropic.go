package provideradapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultModel        = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// Anthropic implements Adapter against the Anthropic Messages API,
// turning its SSE event stream into the Envelope shapes callers expect.
type Anthropic struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

type AnthropicOption func(*Anthropic)

func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) { a.defaultModel = model }
}

func WithBaseURL(baseURL string) AnthropicOption {
	return func(a *Anthropic) {
		if baseURL != "" {
			a.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Anthropic) Query(ctx context.Context, params QueryParams) (<-chan Envelope, error) {
	body := a.buildRequestBody(params)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provideradapter: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("provideradapter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provideradapter: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("provideradapter: anthropic status %d: %s", resp.StatusCode, string(respBody))
	}

	out := make(chan Envelope, 16)
	go a.stream(ctx, resp.Body, params, out)
	return out, nil
}

func (a *Anthropic) stream(ctx context.Context, body io.ReadCloser, params QueryParams, out chan<- Envelope) {
	defer close(out)
	defer body.Close()

	out <- Envelope{System: &SystemMessage{Subtype: "init", SessionID: uuid.NewString(), Model: a.modelOf(params)}}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	var toolName, toolUseID string
	var toolArgsJSON strings.Builder
	var textJoined strings.Builder
	var usage Usage

	emit := func(e Envelope) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev sseMessageStart
			if json.Unmarshal([]byte(data), &ev) == nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
			if !emit(Envelope{Stream: &StreamEvent{Event: "message_start"}}) {
				return
			}

		case "content_block_start":
			var ev sseContentBlockStart
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			if ev.ContentBlock.Type == "tool_use" {
				toolName = ev.ContentBlock.Name
				toolUseID = ev.ContentBlock.ID
				toolArgsJSON.Reset()
			}
			if !emit(Envelope{Stream: &StreamEvent{
				Event: "content_block_start", BlockIndex: ev.Index,
				BlockType: ev.ContentBlock.Type, ToolUseID: ev.ContentBlock.ID, ToolName: ev.ContentBlock.Name,
			}}) {
				return
			}

		case "content_block_delta":
			var ev sseContentBlockDelta
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				textJoined.WriteString(ev.Delta.Text)
				if !emit(Envelope{Stream: &StreamEvent{Event: "content_block_delta", TextDelta: ev.Delta.Text}}) {
					return
				}
			case "input_json_delta":
				toolArgsJSON.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			if toolName != "" {
				var input map[string]any
				json.Unmarshal([]byte(toolArgsJSON.String()), &input)
				if params.CanUseTool != nil {
					decision, err := params.CanUseTool(ctx, toolName, input, toolUseID)
					if err != nil {
						emit(Envelope{Err: err})
						return
					}
					if decision.Behavior == "deny" {
						if !emit(Envelope{User: &UserMessage{ToolResults: []ToolResult{
							{ToolUseID: toolUseID, IsError: true, Content: decision.Message},
						}}}) {
							return
						}
						toolName, toolUseID = "", ""
						continue
					}
					if decision.UpdatedInput != nil {
						input = decision.UpdatedInput
					}
				}
				if !emit(Envelope{Assistant: &AssistantMessage{Content: []ContentBlock{
					{Type: "tool_use", ToolUseID: toolUseID, ToolName: toolName, Input: input},
				}}}) {
					return
				}
				toolName, toolUseID = "", ""
			}
			if !emit(Envelope{Stream: &StreamEvent{Event: "content_block_stop"}}) {
				return
			}

		case "message_delta":
			var ev sseMessageDelta
			if json.Unmarshal([]byte(data), &ev) == nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "error":
			var ev sseError
			if json.Unmarshal([]byte(data), &ev) == nil {
				emit(Envelope{Err: fmt.Errorf("provideradapter: anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)})
			}
			return

		case "message_stop":
			if textJoined.Len() > 0 {
				emit(Envelope{Assistant: &AssistantMessage{Content: []ContentBlock{{Type: "text", Text: textJoined.String()}}, Usage: &usage}})
			}
			emit(Envelope{Result: &ResultMessage{Subtype: "success", Usage: &usage}})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(Envelope{Err: fmt.Errorf("provideradapter: read stream: %w", err)})
	}
}

func (a *Anthropic) modelOf(params QueryParams) string {
	return a.defaultModel
}

func (a *Anthropic) buildRequestBody(params QueryParams) map[string]any {
	body := map[string]any{
		"model":      a.defaultModel,
		"max_tokens": 4096,
		"stream":     true,
		"messages": []map[string]any{
			{"role": "user", "content": params.Prompt},
		},
	}
	return body
}

type sseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type sseMessageStart struct {
	Message struct {
		Usage sseUsage `json:"usage"`
	} `json:"message"`
}

type sseContentBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type sseContentBlockDelta struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type sseMessageDelta struct {
	Usage sseUsage `json:"usage"`
}

type sseError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
