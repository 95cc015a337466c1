// Package providertest offers a scripted provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// Step produces the reply for one model call. Returning an error simulates
// a failed API call.
type Step func(req provider.ChatRequest) (*provider.ChatResponse, error)

// Scripted replays Steps in order. When the script runs out, Fallback is
// used for every further call; a nil Fallback answers with "done".
type Scripted struct {
	Steps    []Step
	Fallback Step

	mu       sync.Mutex
	calls    int
	requests []provider.ChatRequest
}

// Chat returns the next scripted reply.
func (s *Scripted) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	idx := s.calls
	s.calls++
	msgs := make([]provider.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.requests = append(s.requests, req)
	var step Step
	if idx < len(s.Steps) {
		step = s.Steps[idx]
	} else {
		step = s.Fallback
	}
	s.mu.Unlock()

	if step == nil {
		return Text("done")(req)
	}
	return step(req)
}

// DefaultModel returns a fixed model name.
func (s *Scripted) DefaultModel() string { return "scripted-model" }

// Calls returns how many times Chat was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns copies of every request received.
func (s *Scripted) Requests() []provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Text answers with plain content.
func Text(content string) Step {
	return func(provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: content, FinishReason: "stop"}, nil
	}
}

// Echo answers with the text of the last user message.
func Echo() Step {
	return func(req provider.ChatRequest) (*provider.ChatResponse, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				return &provider.ChatResponse{Content: "echo: " + provider.TextContent(req.Messages[i].Content)}, nil
			}
		}
		return &provider.ChatResponse{Content: "echo"}, nil
	}
}

// CallTool requests a single tool call.
func CallTool(id, name, arguments string) Step {
	return func(provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls: []provider.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: provider.FunctionCall{Name: name, Arguments: arguments},
			}},
		}, nil
	}
}

// Fail returns an API error.
func Fail(msg string) Step {
	return func(provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

var _ provider.Provider = (*Scripted)(nil)
