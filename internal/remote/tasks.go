package remote

import (
	"context"
	"slices"
	"sync"

	"fpsync/internal/fp"
)

// task is a running background transfer.
type task struct {
	id      int
	account string
	cancel  context.CancelFunc
}

func (t *task) Identifier() int { return t.id }
func (t *task) Cancel()         { t.cancel() }

// taskSet tracks running transfers per account and hands out identifiers.
type taskSet struct {
	mu    sync.Mutex
	next  int
	tasks map[int]*task
}

func newTaskSet() *taskSet {
	return &taskSet{tasks: make(map[int]*task)}
}

// start registers a task for account and returns it together with the
// context the transfer must run under.
func (s *taskSet) start(account string) (*task, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	t := &task{id: s.next, account: account, cancel: cancel}
	s.tasks[t.id] = t
	return t, ctx
}

func (s *taskSet) finish(t *task) {
	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()
	t.cancel()
}

func (s *taskSet) list(account string) []fp.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.tasks))
	for id, t := range s.tasks {
		if t.account == account {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]fp.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	return out
}
