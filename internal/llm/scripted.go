package llm

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a deterministic Completer that replays a fixed sequence of
// responses. Used in tests and by the dry-run mode of the CLI.
type Scripted struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     []*Request
}

// NewScripted builds a Scripted completer that returns the given responses
// in order. Once exhausted it returns an error.
func NewScripted(responses ...*Response) *Scripted {
	return &Scripted{responses: responses, errs: make([]error, len(responses))}
}

// Append adds another scripted response.
func (s *Scripted) Append(resp *Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	s.errs = append(s.errs, nil)
	return s
}

// AppendError adds a scripted failure.
func (s *Scripted) AppendError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
	return s
}

// Complete returns the next scripted response and records the request.
func (s *Scripted) Complete(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := len(s.calls)
	s.calls = append(s.calls, req)
	if i >= len(s.responses) {
		return nil, fmt.Errorf("scripted completer exhausted after %d calls", len(s.responses))
	}
	if s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.responses[i], nil
}

// Calls returns every request seen so far.
func (s *Scripted) Calls() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.calls...)
}

// TerminalResponse builds an end_turn response with one text block.
func TerminalResponse(text string) *Response {
	return &Response{
		Content:    []ContentBlock{TextBlock(text)},
		StopReason: StopEndTurn,
	}
}

// ToolUseResponse builds a tool_use response requesting the given calls.
func ToolUseResponse(calls ...ToolCall) *Response {
	blocks := make([]ContentBlock, 0, len(calls))
	for _, c := range calls {
		blocks = append(blocks, ContentBlock{Type: BlockToolUse, ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return &Response{Content: blocks, StopReason: StopToolUse}
}
