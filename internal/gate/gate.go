// Package gate implements the question/answer gate. A task's execution
// loop asks a question and parks on a channel until a human answers, the
// configured timeout elapses, or the task is cancelled. Waiting never
// blocks other tasks; each ask parks only its own goroutine.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/bus"
	"github.com/fyrsmithlabs/agentd/internal/logging"
)

var (
	// ErrQuestionNotFound indicates an answer for an unknown question id.
	ErrQuestionNotFound = errors.New("question not found")

	// ErrAlreadyAnswered indicates a second answer for the same question.
	// The stored answer is not altered.
	ErrAlreadyAnswered = errors.New("question already answered")
)

// AnswerSkipped is the sentinel returned when no answer arrives before the
// timeout. The loop proceeds with an explicit "user did not respond"
// signal rather than an error.
const AnswerSkipped = "skipped"

// DefaultAnswerTimeout bounds how long a task waits for a human answer.
const DefaultAnswerTimeout = 5 * time.Minute

// resolvedRetention is how long a resolved question stays visible so a
// late answer can be reported correctly before the entry is pruned.
const resolvedRetention = 10 * time.Minute

// Question is one pending request for human input.
type Question struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	TaskID     string     `json:"task_id"`
	Prompt     string     `json:"prompt"`
	Choices    []string   `json:"choices,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

type pending struct {
	question Question
	answerCh chan string
	answered bool

	// abandoned marks a question whose asker went away before any answer
	// arrived. A late answer for it is dropped rather than conflicted.
	abandoned  bool
	resolvedAt time.Time
}

// Gate tracks outstanding questions and resolves each exactly once.
type Gate struct {
	mu        sync.Mutex
	questions map[string]*pending

	bus       *bus.Bus
	log       *logging.Logger
	timeout   time.Duration
	retention time.Duration
}

// New creates a Gate. A nil bus disables question event publication; a
// zero timeout falls back to DefaultAnswerTimeout.
func New(b *bus.Bus, log *logging.Logger, timeout time.Duration) *Gate {
	if log == nil {
		log = logging.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}
	return &Gate{
		questions: make(map[string]*pending),
		bus:       b,
		log:       log,
		timeout:   timeout,
		retention: resolvedRetention,
	}
}

// Ask registers a question, publishes a question event, and parks until an
// answer arrives. On timeout the question is resolved with AnswerSkipped;
// on context cancellation it is abandoned, so a late answer becomes a
// no-op rather than silently accepted or conflicted.
func (g *Gate) Ask(ctx context.Context, q Question) (string, error) {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Prompt == "" {
		return "", fmt.Errorf("ask: empty prompt")
	}
	q.AskedAt = time.Now().UTC()

	p := &pending{
		question: q,
		answerCh: make(chan string, 1),
	}

	g.mu.Lock()
	g.pruneLocked()
	g.questions[q.ID] = p
	g.mu.Unlock()

	g.publishQuestion(ctx, q)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case answer := <-p.answerCh:
		return answer, nil

	case <-timer.C:
		g.log.Info(ctx, "question timed out",
			zap.String("question_id", q.ID),
			zap.String("task_id", q.TaskID),
		)
		g.resolveAsSkipped(q.ID)
		return AnswerSkipped, nil

	case <-ctx.Done():
		g.resolveAsAbandoned(q.ID)
		return "", ctx.Err()
	}
}

// Answer resolves a pending question exactly once. A second answer for the
// same id, including one arriving after a timeout, returns
// ErrAlreadyAnswered. An answer for an abandoned question is dropped
// without error; nothing is waiting for it.
func (g *Gate) Answer(ctx context.Context, questionID, answer string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	p, ok := g.questions[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	if p.abandoned {
		g.log.Info(ctx, "dropping answer for abandoned question",
			zap.String("question_id", questionID))
		return nil
	}
	if p.answered {
		return fmt.Errorf("%w: %s", ErrAlreadyAnswered, questionID)
	}

	now := time.Now().UTC()
	p.answered = true
	p.resolvedAt = now
	p.question.Answer = answer
	p.question.AnsweredAt = &now
	p.answerCh <- answer

	g.log.Info(ctx, "question answered", zap.String("question_id", questionID))
	return nil
}

// Pending returns copies of a project's unanswered questions.
func (g *Gate) Pending(projectID string) []Question {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Question
	for _, p := range g.questions {
		if p.question.ProjectID == projectID && !p.answered && !p.abandoned {
			out = append(out, p.question)
		}
	}
	return out
}

// resolveAsSkipped marks an unanswered question as resolved with the
// sentinel. No-op if an answer raced in first.
func (g *Gate) resolveAsSkipped(questionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.questions[questionID]
	if !ok || p.answered {
		return
	}
	now := time.Now().UTC()
	p.answered = true
	p.resolvedAt = now
	p.question.Answer = AnswerSkipped
	p.question.AnsweredAt = &now
}

// resolveAsAbandoned marks a question whose asker was cancelled before
// any answer arrived. No-op if an answer raced in first.
func (g *Gate) resolveAsAbandoned(questionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.questions[questionID]
	if !ok || p.answered || p.abandoned {
		return
	}
	p.abandoned = true
	p.resolvedAt = time.Now().UTC()
}

// pruneLocked drops resolved questions past the retention window so the
// map stays bounded. Caller holds g.mu.
func (g *Gate) pruneLocked() {
	cutoff := time.Now().UTC().Add(-g.retention)
	for id, p := range g.questions {
		if (p.answered || p.abandoned) && p.resolvedAt.Before(cutoff) {
			delete(g.questions, id)
		}
	}
}

func (g *Gate) publishQuestion(ctx context.Context, q Question) {
	if g.bus == nil {
		return
	}
	err := g.bus.Publish(ctx, bus.Event{
		Type:      bus.EventQuestion,
		ProjectID: q.ProjectID,
		TaskID:    q.TaskID,
		Payload: map[string]any{
			"question_id": q.ID,
			"prompt":      q.Prompt,
			"choices":     q.Choices,
			"reference":   q.Reference,
		},
	})
	if err != nil {
		g.log.Warn(ctx, "failed to publish question event",
			zap.String("question_id", q.ID), zap.Error(err))
	}
}
