package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/agentd/internal/gate"
)

const (
	minChoices = 2
	maxChoices = 4
)

func askUserTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "ask_user",
		Description: "Ask the human operator a question with 2 to 4 choices. Blocks until answered or the timeout elapses, in which case the answer is 'skipped'.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "The question to ask"},
				"choices": {
					"type": "array",
					"items": {"type": "string"},
					"minItems": 2,
					"maxItems": 4,
					"description": "Answer choices"
				},
				"reference": {"type": "string", "description": "Optional file or document the question refers to"}
			},
			"required": ["question", "choices"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Question  string   `json:"question"`
				Choices   []string `json:"choices"`
				Reference string   `json:"reference"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if args.Question == "" {
				return "", fmt.Errorf("question is required")
			}
			if len(args.Choices) < minChoices || len(args.Choices) > maxChoices {
				return "", fmt.Errorf("between %d and %d choices required, got %d", minChoices, maxChoices, len(args.Choices))
			}
			if o.Gate == nil {
				return "", fmt.Errorf("no question gate configured")
			}

			answer, err := o.Gate.Ask(ctx, gate.Question{
				ProjectID: o.ProjectID,
				TaskID:    o.TaskID,
				Prompt:    args.Question,
				Choices:   args.Choices,
				Reference: args.Reference,
			})
			if err != nil {
				return "", err
			}
			if answer == gate.AnswerSkipped {
				return "the user did not respond; proceed with your best judgment", nil
			}
			return fmt.Sprintf("the user answered: %s", answer), nil
		},
	}
}
