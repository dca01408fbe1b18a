// Package workspace manages on-disk working copies and the per-repository
// mutual-exclusion guard that serializes mutating tool calls against them.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

// ErrLockTimeout is returned to a holder whose critical section exceeded
// the maximum hold duration. The lock has already been force-released.
var ErrLockTimeout = errors.New("lock_timeout")

// DefaultMaxHold bounds how long one mutating call may hold a repository.
const DefaultMaxHold = 5 * time.Minute

// LockInfo describes the current holder of a repository lock.
type LockInfo struct {
	RepoID     string    `json:"repo_id"`
	HolderTask string    `json:"holder_task"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type repoLock struct {
	sem chan struct{}

	mu     sync.Mutex
	holder *LockInfo
}

// Guard provides scoped, force-reclaimable mutual exclusion per repository.
// Readers never touch the guard; only mutating tool handlers acquire it.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*repoLock

	maxHold time.Duration
	log     *logging.Logger
}

// NewGuard creates a Guard. A zero maxHold falls back to DefaultMaxHold.
func NewGuard(maxHold time.Duration, log *logging.Logger) *Guard {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Guard{
		locks:   make(map[string]*repoLock),
		maxHold: maxHold,
		log:     log,
	}
}

func (g *Guard) lock(repoID string) *repoLock {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.locks[repoID]
	if !ok {
		l = &repoLock{sem: make(chan struct{}, 1)}
		g.locks[repoID] = l
	}
	return l
}

// WithLock runs fn while holding the repository's lock. The lock is
// released exactly once on every exit path. If fn runs past the maximum
// hold duration, the lock is force-released so other callers can proceed,
// fn's context is cancelled, and the caller gets ErrLockTimeout.
func (g *Guard) WithLock(ctx context.Context, repoID, taskID string, fn func(ctx context.Context) error) error {
	l := g.lock(repoID)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.holder = &LockInfo{RepoID: repoID, HolderTask: taskID, AcquiredAt: time.Now().UTC()}
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			l.holder = nil
			l.mu.Unlock()
			<-l.sem
		})
	}
	defer release()

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(fnCtx)
	}()

	holdTimer := time.NewTimer(g.maxHold)
	defer holdTimer.Stop()

	select {
	case err := <-done:
		return err

	case <-holdTimer.C:
		g.log.Warn(ctx, "force-releasing workspace lock after max hold",
			zap.String("repo_id", repoID),
			zap.String("holder_task", taskID),
			zap.Duration("max_hold", g.maxHold),
		)
		cancel()
		release()
		return ErrLockTimeout

	case <-ctx.Done():
		cancel()
		// Wait for fn so the mutation is not abandoned mid-flight with
		// the lock already released, but the max-hold bound still
		// applies: a handler that ignores its context cannot keep the
		// repository locked past it.
		select {
		case <-done:
			return ctx.Err()
		case <-holdTimer.C:
			g.log.Warn(ctx, "force-releasing workspace lock after max hold",
				zap.String("repo_id", repoID),
				zap.String("holder_task", taskID),
				zap.Duration("max_hold", g.maxHold),
			)
			release()
			return ErrLockTimeout
		}
	}
}

// Holder reports the current lock holder, or nil when the lock is free.
func (g *Guard) Holder(repoID string) *LockInfo {
	l := g.lock(repoID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return nil
	}
	info := *l.holder
	return &info
}
