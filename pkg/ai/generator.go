package ai

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Generator streams chat completions, optionally extended with callable
// tools. All LLM providers (OpenAI-compatible, Ollama) implement this
// interface.
type Generator interface {
	Complete(ctx context.Context, messages []Message, tools []Tool) (Stream, error)
}

// ModelSelector is implemented by generators that can rebind to another
// model id per request, sharing the underlying client.
type ModelSelector interface {
	WithModel(model string) Generator
}

// Stream yields completion chunks until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Chunk is one increment of a streamed completion.
type Chunk struct {
	Content   string
	ToolCalls []ToolCall
}

// Message is a chat turn sent to or produced by the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"-"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a model request to invoke a tool. Arguments accumulate across
// stream chunks; Index ties continuation deltas to their call.
type ToolCall struct {
	ID        string
	Index     int
	Name      string
	Arguments string
}

// MergeToolCalls folds streamed tool-call deltas into the accumulated set.
// Continuation chunks carry the index but not the id.
func MergeToolCalls(existing, incoming []ToolCall) []ToolCall {
	for _, inc := range incoming {
		found := false
		for i, ex := range existing {
			if (inc.ID != "" && ex.ID == inc.ID) || (inc.ID == "" && ex.Index == inc.Index) {
				existing[i].Arguments += inc.Arguments
				if inc.Name != "" {
					existing[i].Name = inc.Name
				}
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, inc)
		}
	}
	return existing
}

type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
	decode func([]byte) (Chunk, error)
}

func newSSEStream(resp *http.Response, decode func([]byte) (Chunk, error)) Stream {
	return &sseStream{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
		decode: decode,
	}
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}

func (s *sseStream) Recv() (Chunk, error) {
	for {
		data, err := s.readEvent()
		if err != nil {
			return Chunk{}, err
		}
		payload := strings.TrimSpace(string(data))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return Chunk{}, io.EOF
		}
		chunk, err := s.decode(data)
		if err != nil {
			return Chunk{}, err
		}
		if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
			continue
		}
		return chunk, nil
	}
}

func (s *sseStream) readEvent() ([]byte, error) {
	var dataLines []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(dataLines) > 0 {
				return []byte(strings.Join(dataLines, "\n")), nil
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if errors.Is(err, io.EOF) {
			if len(dataLines) > 0 {
				return []byte(strings.Join(dataLines, "\n")), nil
			}
			return nil, io.EOF
		}
	}
}
