package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AskAndAnswer(t *testing.T) {
	g := New(nil, nil, time.Second)

	done := make(chan struct{})
	var answer string
	var askErr error

	q := Question{
		ID:        "q-1",
		ProjectID: "p1",
		TaskID:    "t1",
		Prompt:    "Proceed with the migration?",
		Choices:   []string{"yes", "no"},
	}

	go func() {
		defer close(done)
		answer, askErr = g.Ask(context.Background(), q)
	}()

	// Wait for the question to register.
	require.Eventually(t, func() bool {
		return len(g.Pending("p1")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, g.Answer(context.Background(), "q-1", "yes"))

	<-done
	require.NoError(t, askErr)
	assert.Equal(t, "yes", answer)
	assert.Empty(t, g.Pending("p1"))
}

func TestGate_SecondAnswerConflicts(t *testing.T) {
	g := New(nil, nil, time.Second)

	go func() {
		_, _ = g.Ask(context.Background(), Question{
			ID: "q-1", ProjectID: "p1", TaskID: "t1", Prompt: "pick one",
		})
	}()

	require.Eventually(t, func() bool {
		return len(g.Pending("p1")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, g.Answer(context.Background(), "q-1", "first"))

	err := g.Answer(context.Background(), "q-1", "second")
	require.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestGate_AnswerUnknownQuestion(t *testing.T) {
	g := New(nil, nil, time.Second)

	err := g.Answer(context.Background(), "never-asked", "yes")
	require.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestGate_TimeoutReturnsSkippedSentinel(t *testing.T) {
	g := New(nil, nil, 50*time.Millisecond)

	answer, err := g.Ask(context.Background(), Question{
		ID: "q-slow", ProjectID: "p1", TaskID: "t1", Prompt: "anyone there?",
	})
	require.NoError(t, err)
	assert.Equal(t, AnswerSkipped, answer)

	// A late answer is a conflict, not a silent overwrite.
	err = g.Answer(context.Background(), "q-slow", "too late")
	require.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestGate_ContextCancelAbandonsQuestion(t *testing.T) {
	g := New(nil, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := g.Ask(ctx, Question{
			ID: "q-cancel", ProjectID: "p1", TaskID: "t1", Prompt: "still needed?",
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(g.Pending("p1")) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ask did not return after cancellation")
	}

	// Nothing is waiting anymore; a late answer is dropped, not a
	// conflict and not a silent accept.
	require.NoError(t, g.Answer(context.Background(), "q-cancel", "orphaned"))
	assert.Empty(t, g.Pending("p1"))
}

func TestGate_ResolvedQuestionsArePruned(t *testing.T) {
	g := New(nil, nil, 10*time.Millisecond)
	g.retention = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Ask(ctx, Question{
			ID: "q-old", ProjectID: "p1", TaskID: "t1", Prompt: "forgotten",
		})
	}()

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.questions) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// The tombstone survives the retention window, then the next gate
	// operation sweeps it.
	time.Sleep(100 * time.Millisecond)
	err := g.Answer(context.Background(), "q-old", "late")
	require.ErrorIs(t, err, ErrQuestionNotFound)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.questions)
}

func TestGate_EmptyPromptRejected(t *testing.T) {
	g := New(nil, nil, time.Second)

	_, err := g.Ask(context.Background(), Question{ID: "q", ProjectID: "p1"})
	require.Error(t, err)
}

func TestGate_ConcurrentQuestionsIndependent(t *testing.T) {
	g := New(nil, nil, time.Second)

	results := make(chan string, 2)
	for _, id := range []string{"q-a", "q-b"} {
		go func(id string) {
			answer, err := g.Ask(context.Background(), Question{
				ID: id, ProjectID: "p1", TaskID: "t-" + id, Prompt: "choose",
			})
			require.NoError(t, err)
			results <- answer
		}(id)
	}

	require.Eventually(t, func() bool {
		return len(g.Pending("p1")) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, g.Answer(context.Background(), "q-b", "answer-b"))
	require.NoError(t, g.Answer(context.Background(), "q-a", "answer-a"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case a := <-results:
			got[a] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for answers")
		}
	}
	assert.True(t, got["answer-a"])
	assert.True(t, got["answer-b"])
}
