package llm

import "context"

// Completer is the model capability the execution loop depends on.
// Implementations own their own transient-failure retry policy; an error
// returned here means the retry budget is exhausted and the task fails.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
